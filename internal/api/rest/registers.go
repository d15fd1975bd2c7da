package rest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	maxWriteBody = 4096
	maxHistory   = 1000
)

type WriteRegisterRequest struct {
	Type   string    `json:"type,omitempty"`
	Values []float64 `json:"values"`
}

// RegisterValue is a register definition together with its decoded value.
type RegisterValue struct {
	types.RegisterDefinition `yaml:",inline"`
	Values                   []float64 `json:"values" yaml:"values"`
}

// GET /api/v1/registers
func (s *Server) listRegisters(c *gin.Context) {
	list := make([]RegisterValue, 0, types.RegisterCount)
	for _, def := range types.Registers {
		rv := RegisterValue{RegisterDefinition: def}
		if payload, err := s.device.Read(def.Address, def.Type); err == nil {
			rv.Values, _ = registers.DecodeValues(def.Type, payload)
		}
		list = append(list, rv)
	}

	if c.Query("format") == "yaml" {
		out, err := yaml.Marshal(gin.H{"registers": list})
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse("INTERNAL", "Failed to encode YAML", err.Error()))
			return
		}
		c.Data(http.StatusOK, "application/yaml; charset=utf-8", out)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"registers": list,
		"count":     len(list),
	})
}

// GET /api/v1/registers/:address?type=U16
func (s *Server) readRegister(c *gin.Context) {
	address, ok := s.addressParam(c)
	if !ok {
		return
	}

	t, ok := s.payloadType(c, address, c.Query("type"))
	if !ok {
		return
	}

	payload, err := s.device.Read(address, t)
	if err != nil {
		s.registerError(c, "Register read rejected", err)
		return
	}

	s.respondValue(c, address, t, payload)
}

// POST /api/v1/registers/:address
func (s *Server) writeRegister(c *gin.Context) {
	address, ok := s.addressParam(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWriteBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Failed to read body", err.Error()))
		return
	}

	var req WriteRegisterRequest
	if err := s.validator.Validate(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Invalid request body", err.Error()))
		return
	}

	t, ok := s.payloadType(c, address, req.Type)
	if !ok {
		return
	}

	payload, err := registers.EncodeWrite(address, t, req.Values)
	if err != nil {
		s.registerError(c, "Register write rejected", err)
		return
	}

	if err := s.device.Write(address, t, payload, len(req.Values)); err != nil {
		s.registerError(c, "Register write rejected", err)
		return
	}

	s.logger.Info("Register written via API",
		zap.Uint8("address", address),
		zap.Float64s("values", req.Values),
		zap.String("by", auth.Subject(c)))

	current, err := s.device.Read(address, t)
	if err != nil {
		s.registerError(c, "Register read rejected", err)
		return
	}
	s.respondValue(c, address, t, current)
}

// GET /api/v1/registers/:address/history?limit=50
func (s *Server) registerHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("JOURNAL_503", "Event journal is disabled", nil))
		return
	}

	address, ok := s.addressParam(c)
	if !ok {
		return
	}
	if _, known := types.LookupRegister(address); !known {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("REGISTER_ADDRESS", "Unknown register", address))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > maxHistory {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Invalid limit", c.Query("limit")))
		return
	}

	records, err := s.history.RecentEvents(c.Request.Context(), address, limit)
	if err != nil {
		s.logger.Error("Failed to load event history", zap.Uint8("address", address), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to load event history", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"events":  records,
		"count":   len(records),
	})
}

// addressParam parses :address. Numbers past the 8-bit address space are
// out of range like any other unmapped address.
func (s *Server) addressParam(c *gin.Context) (uint8, bool) {
	v, err := strconv.ParseUint(c.Param("address"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Invalid register address", c.Param("address")))
		return 0, false
	}
	if v > 0xFF {
		err := fmt.Errorf("register %d: %w", v, types.ErrAddressOutOfRange)
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrorCode(err), "Unknown register", err.Error()))
		return 0, false
	}
	return uint8(v), true
}

// payloadType resolves the requested type. Without one the register's own
// type is used; unknown addresses fall back to U8 so the bank reports the
// address error.
func (s *Server) payloadType(c *gin.Context, address uint8, name string) (types.PayloadType, bool) {
	if name == "" {
		if def, ok := types.LookupRegister(address); ok {
			return def.Type, true
		}
		return types.PayloadU8, true
	}

	t, err := types.ParsePayloadType(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Invalid payload type", err.Error()))
		return 0, false
	}
	return t, true
}

func (s *Server) respondValue(c *gin.Context, address uint8, t types.PayloadType, payload []byte) {
	values, err := registers.DecodeValues(t, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("INTERNAL", "Failed to decode payload", err.Error()))
		return
	}

	resp := gin.H{
		"address": address,
		"type":    t,
		"values":  values,
	}
	if def, ok := types.LookupRegister(address); ok {
		resp["name"] = def.Name
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) registerError(c *gin.Context, message string, err error) {
	code := types.ErrorCode(err)

	status := http.StatusInternalServerError
	switch code {
	case "REGISTER_ADDRESS":
		status = http.StatusNotFound
	case "REGISTER_TYPE", "REGISTER_LENGTH", "REGISTER_VALUE":
		status = http.StatusBadRequest
	case "REGISTER_READ_ONLY":
		status = http.StatusMethodNotAllowed
	case "DEVICE_FAULT":
		status = http.StatusServiceUnavailable
	}

	var regErr *types.RegisterError
	if errors.As(err, &regErr) {
		s.logger.Debug(message, zap.Uint8("address", regErr.Address), zap.Error(regErr.Err))
	}

	c.JSON(status, types.NewErrorResponse(code, message, err.Error()))
}
