// Package server exposes the Scheduler and Status Reader over gRPC and
// provides a typed client for it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements TimerServiceServer on top of a timer.Service.
type Server struct {
	svc *timer.Service
	log *slog.Logger
}

var _ TimerServiceServer = (*Server)(nil)

// NewServer creates a new gRPC service implementation.
func NewServer(svc *timer.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, log: logger.With("component", "grpc")}
}

// NewGRPCServer returns a grpc.Server with the timer service registered and
// request logging installed.
func NewGRPCServer(svc *timer.Service, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := NewServer(svc, logger)
	opts = append(opts, grpc.ChainUnaryInterceptor(srv.logUnary))
	gs := grpc.NewServer(opts...)
	RegisterTimerServiceServer(gs, srv)
	return gs
}

// Schedule handles {hours, minutes, seconds, url}.
func (s *Server) Schedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := scheduleRequestFromStruct(in)
	if err != nil {
		return nil, invalidArgument(err)
	}

	res, err := s.svc.Schedule(ctx, req)
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		return nil, invalidArgument(err)
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	return structpb.NewStruct(map[string]any{
		"id":        string(res.ID),
		"time_left": float64(res.TimeLeft),
	})
}

// GetStatus handles {id}.
func (s *Server) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, ok := in.GetFields()["id"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "id: "+validation.MsgRequired)
	}
	id, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || id.StringValue == "" {
		return nil, status.Error(codes.InvalidArgument, "id: "+validation.MsgString)
	}

	res, err := s.svc.GetStatus(ctx, types.JobID(id.StringValue))
	if err != nil {
		return nil, status.Error(codes.Unavailable, "Unable to get the task information")
	}
	if res.Error != "" {
		return structpb.NewStruct(map[string]any{"id": string(res.ID), "error": res.Error})
	}
	return structpb.NewStruct(map[string]any{
		"id":        string(res.ID),
		"time_left": float64(res.TimeLeft),
		"status":    string(res.Status),
	})
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	began := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	level := slog.LevelInfo
	if code != codes.OK && code != codes.InvalidArgument {
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "rpc", "method", info.FullMethod, "code", code.String(), "duration", time.Since(began))
	return resp, err
}

// scheduleRequestFromStruct reads the request fields in order, collecting
// shape errors the same way the HTTP decoder does.
func scheduleRequestFromStruct(in *structpb.Struct) (timer.ScheduleRequest, error) {
	var req timer.ScheduleRequest
	fields := in.GetFields()
	c := validation.NewCollector("body")

	intField := func(name string, dst *int) {
		v, ok := fields[name]
		if !ok {
			c.Add(name, validation.MsgRequired, validation.TypeMissing)
			return
		}
		n, ok := intValue(v)
		if !ok {
			c.Add(name, validation.MsgInteger, validation.TypeInt)
			return
		}
		*dst = n
	}
	intField("hours", &req.Hours)
	intField("minutes", &req.Minutes)
	intField("seconds", &req.Seconds)

	if v, ok := fields["url"]; !ok {
		c.Add("url", validation.MsgRequired, validation.TypeMissing)
	} else if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		req.URL = sv.StringValue
	} else {
		c.Add("url", validation.MsgString, validation.TypeString)
	}

	if err := c.Err(); err != nil {
		return timer.ScheduleRequest{}, err
	}
	return req, nil
}

func intValue(v *structpb.Value) (int, bool) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, false
		}
		return int(f), true
	case *structpb.Value_StringValue:
		n, err := strconv.Atoi(strings.TrimSpace(k.StringValue))
		return n, err == nil
	}
	return 0, false
}

// invalidArgument converts a *validation.Error into an InvalidArgument status
// carrying a BadRequest detail per field.
func invalidArgument(err error) error {
	var verr *validation.Error
	if !errors.As(err, &verr) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	br := &errdetails.BadRequest{}
	for _, f := range verr.Fields {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       strings.Join(f.Loc, "."),
			Description: f.Msg,
		})
	}
	st, derr := status.New(codes.InvalidArgument, verr.Error()).WithDetails(br)
	if derr != nil {
		return status.Error(codes.InvalidArgument, verr.Error())
	}
	return st.Err()
}
