// Package streaming exposes the register bank and the event stream over gRPC.
package streaming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type Device interface {
	Read(address uint8, t types.PayloadType) ([]byte, error)
	Write(address uint8, t types.PayloadType, payload []byte, elements int) error
	Info() types.DeviceInfo
}

type TokenValidator interface {
	ValidateToken(token string) (string, []auth.Permission, error)
}

type ExpanderService struct {
	device    Device
	streamer  *events.Streamer
	validator TokenValidator
	logger    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewExpanderService(device Device, streamer *events.Streamer, validator TokenValidator, logger *zap.Logger) *ExpanderService {
	return &ExpanderService{
		device:    device,
		streamer:  streamer,
		validator: validator,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends all open Subscribe streams.
func (s *ExpanderService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ExpanderService) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list := make([]interface{}, 0, types.RegisterCount)
	for _, def := range types.Registers {
		payload, err := s.device.Read(def.Address, def.Type)
		if err != nil {
			return nil, toStatus(err)
		}
		entry, err := registerEntry(def.Address, def.Type, payload)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		list = append(list, entry)
	}

	info, err := toMap(s.device.Info())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"device":    info,
		"registers": list,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ReadRegister expects {"address": n} and an optional "type" name.
func (s *ExpanderService) ReadRegister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	address, t, err := registerRequest(req)
	if err != nil {
		return nil, err
	}

	payload, err := s.device.Read(address, t)
	if err != nil {
		return nil, toStatus(err)
	}
	return valueStruct(address, t, payload)
}

// WriteRegister expects {"address": n, "values": [...]} and an optional
// "type". The caller needs registers:write.
func (s *ExpanderService) WriteRegister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	subject, err := s.authorize(ctx, auth.PermWrite)
	if err != nil {
		return nil, err
	}

	address, t, err := registerRequest(req)
	if err != nil {
		return nil, err
	}

	raw, ok := req.GetFields()["values"]
	if !ok || raw.GetListValue() == nil || len(raw.GetListValue().GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "values must be a non-empty list")
	}
	values := make([]float64, 0, len(raw.GetListValue().GetValues()))
	for _, v := range raw.GetListValue().GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "values must be numbers")
		}
		values = append(values, n.NumberValue)
	}

	payload, err := registers.EncodeWrite(address, t, values)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.device.Write(address, t, payload, len(values)); err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("Register written via gRPC",
		zap.Uint8("address", address),
		zap.Float64s("values", values),
		zap.String("by", subject))

	current, err := s.device.Read(address, t)
	if err != nil {
		return nil, toStatus(err)
	}
	return valueStruct(address, t, current)
}

// Subscribe streams register events. An optional "addresses" list restricts
// the stream to those registers.
func (s *ExpanderService) Subscribe(req *structpb.Struct, stream SubscribeServer) error {
	filter, err := filterFromRequest(req)
	if err != nil {
		return err
	}

	eventCh := s.streamer.Subscribe(filter)
	defer s.streamer.Unsubscribe(eventCh)

	s.logger.Debug("gRPC event stream opened", zap.Int("filter", len(filter)))

	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				return nil
			}

			msg, err := eventStruct(ev)
			if err != nil {
				s.logger.Warn("Failed to encode event", zap.Uint8("address", ev.Address), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}

		case <-s.done:
			return status.Error(codes.Unavailable, "server shutting down")

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *ExpanderService) authorize(ctx context.Context, required auth.Permission) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	header := md.Get("authorization")
	if len(header) == 0 {
		return "", status.Error(codes.Unauthenticated, "authorization metadata required")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header[0], "Bearer "))
	subject, perms, err := s.validator.ValidateToken(token)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "invalid token")
	}

	for _, p := range perms {
		if p == required {
			return subject, nil
		}
	}
	return "", status.Errorf(codes.PermissionDenied, "missing permission %s", required)
}

func registerRequest(req *structpb.Struct) (uint8, types.PayloadType, error) {
	fields := req.GetFields()

	addr, ok := fields["address"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, 0, status.Error(codes.InvalidArgument, "address is required")
	}
	if addr.NumberValue < 0 || addr.NumberValue > 255 || addr.NumberValue != float64(uint8(addr.NumberValue)) {
		return 0, 0, status.Errorf(codes.InvalidArgument, "invalid address %v", addr.NumberValue)
	}
	address := uint8(addr.NumberValue)

	name := fields["type"].GetStringValue()
	if name == "" {
		if def, ok := types.LookupRegister(address); ok {
			return address, def.Type, nil
		}
		return address, types.PayloadU8, nil
	}

	t, err := types.ParsePayloadType(name)
	if err != nil {
		return 0, 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return address, t, nil
}

func filterFromRequest(req *structpb.Struct) (events.Filter, error) {
	raw, ok := req.GetFields()["addresses"]
	if !ok {
		return nil, nil
	}

	list := raw.GetListValue()
	if list == nil {
		return nil, status.Error(codes.InvalidArgument, "addresses must be a list")
	}

	addresses := make([]uint8, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		n := v.GetNumberValue()
		if n < float64(types.AddressMin) || n > float64(types.AddressMax) || n != float64(uint8(n)) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid address %v", n)
		}
		addresses = append(addresses, uint8(n))
	}
	return events.NewFilter(addresses...), nil
}

func registerEntry(address uint8, t types.PayloadType, payload []byte) (map[string]interface{}, error) {
	values, err := registers.DecodeValues(t, payload)
	if err != nil {
		return nil, err
	}

	list := make([]interface{}, len(values))
	for i, v := range values {
		list[i] = v
	}

	entry := map[string]interface{}{
		"address": float64(address),
		"type":    t.String(),
		"values":  list,
	}
	if def, ok := types.LookupRegister(address); ok {
		entry["name"] = def.Name
	}
	return entry, nil
}

func valueStruct(address uint8, t types.PayloadType, payload []byte) (*structpb.Struct, error) {
	entry, err := registerEntry(address, t, payload)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(entry)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func eventStruct(ev events.Event) (*structpb.Struct, error) {
	entry, err := registerEntry(ev.Address, ev.Type, ev.Payload)
	if err != nil {
		return nil, err
	}
	entry["timestamp_us"] = float64(ev.Timestamp.UnixMicro())
	return structpb.NewStruct(entry)
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toStatus(err error) error {
	code := codes.Internal
	switch types.ErrorCode(err) {
	case "REGISTER_ADDRESS":
		code = codes.NotFound
	case "REGISTER_TYPE", "REGISTER_LENGTH", "REGISTER_VALUE":
		code = codes.InvalidArgument
	case "REGISTER_READ_ONLY":
		code = codes.FailedPrecondition
	case "DEVICE_FAULT":
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}
