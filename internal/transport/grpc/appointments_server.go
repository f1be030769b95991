package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/service/appointments"
)

// AppointmentsService is the part of the appointment service exposed over gRPC.
type AppointmentsService interface {
	Book(ctx context.Context, in appointments.BookInput) (domain.Appointment, error)
	Get(ctx context.Context, requesterID, appointmentID string) (domain.Appointment, error)
	Reschedule(ctx context.Context, in appointments.RescheduleInput) (domain.Appointment, error)
	Cancel(ctx context.Context, in appointments.CancelInput) (domain.Appointment, error)
}

// Verifier turns a bearer token into the requester id.
type Verifier interface {
	Verify(token string) (string, error)
}

// AppointmentsServer serves clinicbook.Appointments. Requests and responses
// are google.protobuf.Struct messages using the same field names as the HTTP
// API.
type AppointmentsServer struct {
	svc      AppointmentsService
	verifier Verifier
	log      *slog.Logger
}

func NewAppointmentsServer(svc AppointmentsService, verifier Verifier, log *slog.Logger) *AppointmentsServer {
	if log == nil {
		log = slog.Default()
	}
	return &AppointmentsServer{
		svc:      svc,
		verifier: verifier,
		log:      log.With(slog.String("component", "grpc.appointments")),
	}
}

type appointmentsRPC interface {
	Book(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reschedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var appointmentsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*appointmentsRPC)(nil),
	Methods: []grpc.MethodDesc{
		unary("Book", appointmentsRPC.Book),
		unary("Get", appointmentsRPC.Get),
		unary("Reschedule", appointmentsRPC.Reschedule),
		unary("Cancel", appointmentsRPC.Cancel),
	},
	Metadata: "clinicbook/appointments",
}

func unary(name string, call func(appointmentsRPC, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			rpc := srv.(appointmentsRPC)
			if interceptor == nil {
				return call(rpc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(rpc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// Register adds the appointments service to s.
func (s *AppointmentsServer) Register(gs *grpc.Server) {
	gs.RegisterService(&appointmentsServiceDesc, s)
}

func (s *AppointmentsServer) Book(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := s.requester(ctx)
	if err != nil {
		return nil, err
	}
	f := fields(req.GetFields())
	start, err := f.time("start")
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, status.Error(codes.InvalidArgument, "start is required")
	}
	end, err := f.time("end")
	if err != nil {
		return nil, err
	}

	appt, err := s.svc.Book(ctx, appointments.BookInput{
		TenantID:        f.str("tenantId"),
		SubjectID:       f.str("subjectId"),
		RequesterID:     requesterID,
		ResourceID:      f.optionalStr("resourceId"),
		StartTime:       *start,
		EndTime:         end,
		ServiceTypeID:   f.str("serviceTypeId"),
		Reason:          f.str("reason"),
		Notes:           f.str("notes"),
		OverrideSameDay: f.boolean("overrideSameDay"),
		IdempotencyKey:  idempotencyKey(ctx),
	})
	if err != nil {
		return nil, err
	}
	return toStruct(appt)
}

func (s *AppointmentsServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := s.requester(ctx)
	if err != nil {
		return nil, err
	}
	appt, err := s.svc.Get(ctx, requesterID, fields(req.GetFields()).str("id"))
	if err != nil {
		return nil, err
	}
	return toStruct(appt)
}

func (s *AppointmentsServer) Reschedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := s.requester(ctx)
	if err != nil {
		return nil, err
	}
	f := fields(req.GetFields())
	start, err := f.time("newStart")
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, status.Error(codes.InvalidArgument, "newStart is required")
	}
	end, err := f.time("newEnd")
	if err != nil {
		return nil, err
	}

	appt, err := s.svc.Reschedule(ctx, appointments.RescheduleInput{
		AppointmentID:   f.str("id"),
		RequesterID:     requesterID,
		NewStart:        *start,
		NewEnd:          end,
		OverrideSameDay: f.boolean("overrideSameDay"),
	})
	if err != nil {
		return nil, err
	}
	return toStruct(appt)
}

func (s *AppointmentsServer) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := s.requester(ctx)
	if err != nil {
		return nil, err
	}
	f := fields(req.GetFields())
	appt, err := s.svc.Cancel(ctx, appointments.CancelInput{
		AppointmentID: f.str("id"),
		RequesterID:   requesterID,
		Reason:        f.str("reason"),
	})
	if err != nil {
		return nil, err
	}
	return toStruct(appt)
}

func (s *AppointmentsServer) requester(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing bearer token")
	}
	raw, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", status.Error(codes.Unauthenticated, "missing bearer token")
	}
	requesterID, err := s.verifier.Verify(strings.TrimSpace(raw))
	if err != nil {
		s.log.Debug("token rejected", slog.Any("err", err))
		return "", status.Error(codes.Unauthenticated, err.Error())
	}
	return requesterID, nil
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

type fields map[string]*structpb.Value

func (f fields) str(key string) string {
	return strings.TrimSpace(f[key].GetStringValue())
}

func (f fields) optionalStr(key string) *string {
	v := f.str(key)
	if v == "" {
		return nil
	}
	return &v
}

func (f fields) boolean(key string) bool {
	return f[key].GetBoolValue()
}

func (f fields) time(key string) (*time.Time, error) {
	raw := f.str(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%s must be an RFC 3339 timestamp", key))
	}
	return &t, nil
}

func toStruct(a domain.Appointment) (*structpb.Struct, error) {
	var resourceID any
	if a.ResourceID != nil {
		resourceID = *a.ResourceID
	}
	out, err := structpb.NewStruct(map[string]any{
		"id":         a.ID.String(),
		"tenantId":   a.TenantID,
		"resourceId": resourceID,
		"subjectId":  a.SubjectID,
		"start":      a.StartTime.UTC().Format(time.RFC3339Nano),
		"end":        a.EndTime.UTC().Format(time.RFC3339Nano),
		"status":     string(a.Status),
		"reason":     a.Reason,
		"notes":      a.Notes,
		"createdBy":  a.CreatedBy,
		"createdAt":  a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":  a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode appointment: %w", err)
	}
	return out, nil
}
