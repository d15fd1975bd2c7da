// Package console is an interactive shell for a running input expander,
// talking to it over gRPC.
package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/streaming"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/abiosoft/ishell"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const shellKey = "$console"

// Shell wraps an ishell.Shell bound to one expander.
type Shell struct {
	Shell      *ishell.Shell
	OutputJSON bool

	client  *streaming.Client
	token   string
	timeout time.Duration
}

func New(client *streaming.Client, token string, timeout time.Duration) *Shell {
	s := &Shell{
		Shell:   ishell.New(),
		client:  client,
		token:   token,
		timeout: timeout,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt("expander > ")

	for _, cmd := range commands() {
		s.Shell.AddCmd(cmd)
	}
	return s
}

func shellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

func (s *Shell) context() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	if s.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+s.token)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func commands() []*ishell.Cmd {
	return []*ishell.Cmd{
		{
			Name:    "snapshot",
			Aliases: []string{"ls"},
			Help:    "print every register",
			Func:    snapshotCmd,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Help:    "ADDRESS|NAME [TYPE]",
			Func:    readCmd,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Help:    "ADDRESS|NAME VALUE...",
			Func:    writeCmd,
		},
		{
			Name: "watch",
			Help: "COUNT [ADDRESS|NAME...]",
			Func: watchCmd,
		},
	}
}

func snapshotCmd(c *ishell.Context) {
	s := shellFrom(c)
	ctx, cancel := s.context()
	defer cancel()

	out, err := s.client.Snapshot(ctx)
	if err != nil {
		c.Err(err)
		return
	}
	if s.OutputJSON {
		c.Println(protojson.Format(out))
		return
	}

	for _, v := range out.GetFields()["registers"].GetListValue().GetValues() {
		c.Println(FormatRegister(v.GetStructValue()))
	}
}

func readCmd(c *ishell.Context) {
	if len(c.Args) < 1 || len(c.Args) > 2 {
		c.Err(fmt.Errorf("usage: read ADDRESS|NAME [TYPE]"))
		return
	}

	address, err := ParseAddress(c.Args[0])
	if err != nil {
		c.Err(err)
		return
	}
	fields := map[string]interface{}{"address": float64(address)}
	if len(c.Args) == 2 {
		fields["type"] = strings.ToUpper(c.Args[1])
	}

	s := shellFrom(c)
	ctx, cancel := s.context()
	defer cancel()

	req, _ := structpb.NewStruct(fields)
	out, err := s.client.ReadRegister(ctx, req)
	if err != nil {
		c.Err(err)
		return
	}
	s.print(c, out)
}

func writeCmd(c *ishell.Context) {
	if len(c.Args) < 2 {
		c.Err(fmt.Errorf("usage: write ADDRESS|NAME VALUE..."))
		return
	}

	address, err := ParseAddress(c.Args[0])
	if err != nil {
		c.Err(err)
		return
	}
	values, err := ParseValues(c.Args[1:])
	if err != nil {
		c.Err(err)
		return
	}

	s := shellFrom(c)
	ctx, cancel := s.context()
	defer cancel()

	req, _ := structpb.NewStruct(map[string]interface{}{
		"address": float64(address),
		"values":  values,
	})
	out, err := s.client.WriteRegister(ctx, req)
	if err != nil {
		c.Err(err)
		return
	}
	s.print(c, out)
}

func watchCmd(c *ishell.Context) {
	if len(c.Args) < 1 {
		c.Err(fmt.Errorf("usage: watch COUNT [ADDRESS|NAME...]"))
		return
	}

	count, err := strconv.Atoi(c.Args[0])
	if err != nil || count < 1 {
		c.Err(fmt.Errorf("invalid count %q", c.Args[0]))
		return
	}

	fields := map[string]interface{}{}
	if len(c.Args) > 1 {
		addresses := make([]interface{}, 0, len(c.Args)-1)
		for _, arg := range c.Args[1:] {
			address, err := ParseAddress(arg)
			if err != nil {
				c.Err(err)
				return
			}
			addresses = append(addresses, float64(address))
		}
		fields["addresses"] = addresses
	}

	s := shellFrom(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := structpb.NewStruct(fields)
	stream, err := s.client.Subscribe(ctx, req)
	if err != nil {
		c.Err(err)
		return
	}

	for i := 0; i < count; i++ {
		ev, err := stream.Recv()
		if err != nil {
			c.Err(err)
			return
		}
		s.print(c, ev)
	}
}

func (s *Shell) print(c *ishell.Context, v *structpb.Struct) {
	if s.OutputJSON {
		c.Println(protojson.Format(v))
		return
	}
	c.Println(FormatRegister(v))
}

// ParseAddress accepts a register number or a register name.
func ParseAddress(arg string) (uint8, error) {
	if n, err := strconv.ParseUint(arg, 0, 8); err == nil {
		return uint8(n), nil
	}
	if def, ok := types.LookupRegisterByName(arg); ok {
		return def.Address, nil
	}
	return 0, fmt.Errorf("unknown register %q", arg)
}

func ParseValues(args []string) ([]interface{}, error) {
	values := make([]interface{}, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			if n, ierr := strconv.ParseInt(arg, 0, 64); ierr == nil {
				v = float64(n)
			} else {
				return nil, fmt.Errorf("invalid value %q", arg)
			}
		}
		values = append(values, v)
	}
	return values, nil
}

// FormatRegister renders one register message as "NAME(ADDR) TYPE [v ...]".
func FormatRegister(v *structpb.Struct) string {
	fields := v.GetFields()

	var b strings.Builder
	name := fields["name"].GetStringValue()
	address := int(fields["address"].GetNumberValue())
	if name != "" {
		fmt.Fprintf(&b, "%s(%d)", name, address)
	} else {
		fmt.Fprintf(&b, "%d", address)
	}
	fmt.Fprintf(&b, " %s [", fields["type"].GetStringValue())

	for i, x := range fields["values"].GetListValue().GetValues() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(x.GetNumberValue(), 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}
