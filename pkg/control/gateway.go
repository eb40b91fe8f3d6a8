package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	response := &wrapperspb.StringValue{}
	if err := gw.conn.Invoke(ctx, fullMethod("Status"), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return "", fromStatus(err)
	}
	gw.logger.Debugf("Status client gateway done")
	return response.GetValue(), nil
}

func (gw *grpcClientGateway) ListGroups(ctx context.Context) ([]domain.GroupStatus, error) {
	response := &structpb.ListValue{}
	if err := gw.conn.Invoke(ctx, fullMethod("ListGroups"), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("ListGroups client gateway: %v", err)
		return nil, fromStatus(err)
	}
	groups, err := fromList[domain.GroupStatus](response)
	if err != nil {
		gw.logger.Errorf("ListGroups client gateway: %v", err)
		return nil, err
	}
	gw.logger.Debugf("ListGroups client gateway done, groups: %d", len(groups))
	return groups, nil
}

func (gw *grpcClientGateway) ListServers(ctx context.Context, group string) ([]domain.ServerInfo, error) {
	response := &structpb.ListValue{}
	if err := gw.conn.Invoke(ctx, fullMethod("ListServers"), wrapperspb.String(group), response); err != nil {
		gw.logger.Errorf("ListServers client gateway: %v", err)
		return nil, fromStatus(err)
	}
	servers, err := fromList[domain.ServerInfo](response)
	if err != nil {
		gw.logger.Errorf("ListServers client gateway: %v", err)
		return nil, err
	}
	gw.logger.Debugf("ListServers client gateway done, servers: %d", len(servers))
	return servers, nil
}

func (gw *grpcClientGateway) ControlServer(ctx context.Context, serverIdentifier string, action domain.ServerAction) error {
	return gw.invokeStruct(ctx, "ControlServer", map[string]interface{}{
		fieldServer: serverIdentifier,
		fieldAction: string(action),
	})
}

func (gw *grpcClientGateway) ScaleGroup(ctx context.Context, group string, direction domain.ScaleDirection) error {
	return gw.invokeStruct(ctx, "ScaleGroup", map[string]interface{}{
		fieldGroup:     group,
		fieldDirection: string(direction),
	})
}

func (gw *grpcClientGateway) SendCommand(ctx context.Context, serverIdentifier string, command string) error {
	return gw.invokeStruct(ctx, "SendCommand", map[string]interface{}{
		fieldServer:  serverIdentifier,
		fieldCommand: command,
	})
}

func (gw *grpcClientGateway) invokeStruct(ctx context.Context, method string, fields map[string]interface{}) error {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.NewInternalError("failed to encode request", err).WithContext("method", method)
	}
	if err := gw.conn.Invoke(ctx, fullMethod(method), request, &emptypb.Empty{}); err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return fromStatus(err)
	}
	gw.logger.Debugf("%s client gateway done", method)
	return nil
}
