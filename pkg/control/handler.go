package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Status(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	status, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("Status server handler done")
	return wrapperspb.String(status), nil
}

func (h *grpcServerHandler) ListGroups(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	groups, err := h.handler.ListGroups(ctx)
	if err != nil {
		h.logger.Errorf("ListGroups server handler: %v", err)
		return nil, toStatus(err)
	}
	list, err := toList(groups)
	if err != nil {
		h.logger.Errorf("ListGroups server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ListGroups server handler done, groups: %d", len(groups))
	return list, nil
}

func (h *grpcServerHandler) ListServers(ctx context.Context, group *wrapperspb.StringValue) (*structpb.ListValue, error) {
	servers, err := h.handler.ListServers(ctx, group.GetValue())
	if err != nil {
		h.logger.Errorf("ListServers server handler: %v", err)
		return nil, toStatus(err)
	}
	list, err := toList(servers)
	if err != nil {
		h.logger.Errorf("ListServers server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ListServers server handler done, servers: %d", len(servers))
	return list, nil
}

func (h *grpcServerHandler) ControlServer(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	server := stringField(in, fieldServer)
	action := domain.ServerAction(stringField(in, fieldAction))
	if err := h.handler.ControlServer(ctx, server, action); err != nil {
		h.logger.Errorf("ControlServer server handler, server: %s, action: %s: %v", server, action, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ControlServer server handler done, server: %s, action: %s", server, action)
	return &emptypb.Empty{}, nil
}

func (h *grpcServerHandler) ScaleGroup(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	group := stringField(in, fieldGroup)
	direction := domain.ScaleDirection(stringField(in, fieldDirection))
	if err := h.handler.ScaleGroup(ctx, group, direction); err != nil {
		h.logger.Errorf("ScaleGroup server handler, group: %s, direction: %s: %v", group, direction, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ScaleGroup server handler done, group: %s, direction: %s", group, direction)
	return &emptypb.Empty{}, nil
}

func (h *grpcServerHandler) SendCommand(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	server := stringField(in, fieldServer)
	if err := h.handler.SendCommand(ctx, server, stringField(in, fieldCommand)); err != nil {
		h.logger.Errorf("SendCommand server handler, server: %s: %v", server, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("SendCommand server handler done, server: %s", server)
	return &emptypb.Empty{}, nil
}
