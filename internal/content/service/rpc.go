package service

import (
	"context"
	"encoding/json"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/proto"
)

// Caller is satisfied by *grpc.Client.
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// RPCClient reaches a Service registered on a remote grpc.Server.
type RPCClient struct {
	c Caller
}

var _ Service = (*RPCClient)(nil)

// NewRPCClient wraps an RPC connection.
func NewRPCClient(c Caller) *RPCClient {
	return &RPCClient{c: c}
}

func (r *RPCClient) Search(ctx context.Context, c content.Criteria, afterID string, limit int) ([]content.Unit, error) {
	var resp proto.SearchResponse
	err := r.c.Call(ctx, proto.MethodSearch, proto.SearchRequest{Criteria: c, AfterID: afterID, Limit: limit}, &resp)
	return resp.Units, err
}

func (r *RPCClient) RemoveUnits(ctx context.Context, repoID string, ids []string) (int, error) {
	var resp proto.CountResponse
	err := r.c.Call(ctx, proto.MethodRemoveUnits, proto.RemoveUnitsRequest{RepoID: repoID, UnitIDs: ids}, &resp)
	return resp.Count, err
}

func (r *RPCClient) CopyUnits(ctx context.Context, srcRepo, dstRepo string, ids []string) (int, error) {
	var resp proto.CountResponse
	err := r.c.Call(ctx, proto.MethodCopyUnits, proto.CopyUnitsRequest{
		SourceRepoID: srcRepo,
		DestRepoID:   dstRepo,
		UnitIDs:      ids,
	}, &resp)
	return resp.Count, err
}

func (r *RPCClient) AddUnits(ctx context.Context, repoID string, units []content.Unit) (int, error) {
	var resp proto.CountResponse
	err := r.c.Call(ctx, proto.MethodAddUnits, proto.AddUnitsRequest{RepoID: repoID, Units: units}, &resp)
	return resp.Count, err
}

func (r *RPCClient) ImportUpload(ctx context.Context, req proto.ImportUploadRequest) (content.Unit, error) {
	var u content.Unit
	err := r.c.Call(ctx, proto.MethodImportUpload, req, &u)
	return u, err
}

// Register binds every Service method on s.
func Register(s *grpc.Server, svc Service) {
	s.Register(proto.MethodSearch, handle(func(ctx context.Context, req proto.SearchRequest) (any, error) {
		units, err := svc.Search(ctx, req.Criteria, req.AfterID, req.Limit)
		if err != nil {
			return nil, err
		}
		return proto.SearchResponse{Units: units}, nil
	}))
	s.Register(proto.MethodRemoveUnits, handle(func(ctx context.Context, req proto.RemoveUnitsRequest) (any, error) {
		n, err := svc.RemoveUnits(ctx, req.RepoID, req.UnitIDs)
		return proto.CountResponse{Count: n}, err
	}))
	s.Register(proto.MethodCopyUnits, handle(func(ctx context.Context, req proto.CopyUnitsRequest) (any, error) {
		n, err := svc.CopyUnits(ctx, req.SourceRepoID, req.DestRepoID, req.UnitIDs)
		return proto.CountResponse{Count: n}, err
	}))
	s.Register(proto.MethodAddUnits, handle(func(ctx context.Context, req proto.AddUnitsRequest) (any, error) {
		n, err := svc.AddUnits(ctx, req.RepoID, req.Units)
		return proto.CountResponse{Count: n}, err
	}))
	s.Register(proto.MethodImportUpload, handle(func(ctx context.Context, req proto.ImportUploadRequest) (any, error) {
		return svc.ImportUpload(ctx, req)
	}))
	s.Register(proto.MethodHealth, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return proto.HealthCheckResponse{Status: "SERVING"}, nil
	})
}

// handle decodes params into Req before calling fn.
func handle[Req any](fn func(ctx context.Context, req Req) (any, error)) grpc.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req Req
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "decoding params: %v", err)
		}
		return fn(ctx, req)
	}
}
