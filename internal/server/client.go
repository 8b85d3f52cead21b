package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls TimerService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr. The caller closes the returned
// connection.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

// Schedule submits req. Invalid input comes back as a *validation.Error.
func (c *Client) Schedule(ctx context.Context, req timer.ScheduleRequest) (timer.ScheduleResult, error) {
	in, err := structpb.NewStruct(map[string]any{
		"hours":   req.Hours,
		"minutes": req.Minutes,
		"seconds": req.Seconds,
		"url":     req.URL,
	})
	if err != nil {
		return timer.ScheduleResult{}, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ScheduleMethod, in, out); err != nil {
		return timer.ScheduleResult{}, fromStatus(err)
	}

	fields := out.GetFields()
	return timer.ScheduleResult{
		ID:       types.JobID(fields["id"].GetStringValue()),
		TimeLeft: int64(fields["time_left"].GetNumberValue()),
	}, nil
}

// GetStatus queries id.
func (c *Client) GetStatus(ctx context.Context, id types.JobID) (timer.StatusResult, error) {
	in, err := structpb.NewStruct(map[string]any{"id": string(id)})
	if err != nil {
		return timer.StatusResult{}, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetStatusMethod, in, out); err != nil {
		return timer.StatusResult{}, fromStatus(err)
	}

	fields := out.GetFields()
	return timer.StatusResult{
		ID:       types.JobID(fields["id"].GetStringValue()),
		TimeLeft: int64(fields["time_left"].GetNumberValue()),
		Status:   types.JobStatus(fields["status"].GetStringValue()),
		Error:    fields["error"].GetStringValue(),
	}, nil
}

// fromStatus turns an InvalidArgument status with BadRequest details back
// into a *validation.Error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		return err
	}
	var fields []validation.FieldError
	for _, d := range st.Details() {
		br, ok := d.(*errdetails.BadRequest)
		if !ok {
			continue
		}
		for _, v := range br.GetFieldViolations() {
			fields = append(fields, validation.FieldError{
				Loc:  strings.Split(v.GetField(), "."),
				Msg:  v.GetDescription(),
				Type: validation.TypeValue,
			})
		}
	}
	if len(fields) == 0 {
		return err
	}
	return &validation.Error{Fields: fields}
}
