// Package grpc exposes the search service as the essaylake.v1.EssaySearch
// gRPC service. Requests and responses are google.protobuf.Struct messages
// carrying the same JSON shapes as the HTTP API.
package grpc

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/search"
	"github.com/essaylake/essaylake/internal/snapshot"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	// strict rejects unknown filter fields
	strict = jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "essaylake.v1.EssaySearch"

// defaultTopSchools is used when a TopSchools request has no top field.
const defaultTopSchools = 10

// Searcher is the service the gRPC server serves.
type Searcher interface {
	Search(ctx context.Context, f query.Filter) (*search.EssayPage, error)
	ApplicationBreakdown(ctx context.Context, f query.Filter) (*search.Breakdown, error)
	TopSchools(ctx context.Context, f query.Filter, n int) (*search.SchoolRanking, error)
	CurrentSnapshot(ctx context.Context) (*snapshot.Snapshot, error)
}

// EssaySearchServer is the server API of essaylake.v1.EssaySearch.
type EssaySearchServer interface {
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplicationBreakdown(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TopSchools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CurrentSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SearchServer implements EssaySearchServer on top of a Searcher.
type SearchServer struct {
	svc Searcher
}

// NewSearchServer creates a gRPC search server.
func NewSearchServer(svc Searcher) *SearchServer {
	return &SearchServer{svc: svc}
}

// Search runs an essay search. The request is a filter object.
func (s *SearchServer) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, _, err := decodeFilter(req, false)
	if err != nil {
		return nil, toStatus(err)
	}
	page, err := s.svc.Search(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(page, extractRequestID(ctx))
}

// ApplicationBreakdown counts matching essays per application.
func (s *SearchServer) ApplicationBreakdown(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, _, err := decodeFilter(req, false)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.svc.ApplicationBreakdown(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(res, extractRequestID(ctx))
}

// TopSchools ranks schools. The request is a filter object with an
// optional "top" field.
func (s *SearchServer) TopSchools(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, top, err := decodeFilter(req, true)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.svc.TopSchools(ctx, f, top)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(res, extractRequestID(ctx))
}

// CurrentSnapshot describes the snapshot queries are served from.
func (s *SearchServer) CurrentSnapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.svc.CurrentSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]interface{}{
		"prefix":    snap.Prefix,
		"timestamp": snap.Timestamp,
		"files":     snap.Files(),
	}, extractRequestID(ctx))
}

// decodeFilter converts a request struct into a filter. With withTop the
// "top" field is taken out first.
func decodeFilter(req *structpb.Struct, withTop bool) (query.Filter, int, error) {
	var f query.Filter
	top := defaultTopSchools

	fields := req.AsMap()
	if withTop {
		if v, ok := fields["top"]; ok {
			n, ok := v.(float64)
			if !ok || n != float64(int(n)) {
				return f, 0, errors.NewValidationError(fmt.Sprintf("top must be an integer, got %v", v))
			}
			top = int(n)
			delete(fields, "top")
		}
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return f, 0, errors.NewValidationError(fmt.Sprintf("invalid request: %v", err))
	}
	if err := strict.Unmarshal(raw, &f); err != nil {
		return f, 0, errors.NewValidationError(fmt.Sprintf("invalid filter: %v", err))
	}
	return f, top, nil
}

// encode converts v into a Struct through its JSON form.
func encode(v interface{}, requestID string) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(errors.NewInternalError("failed to encode response", err))
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, toStatus(errors.NewInternalError("failed to encode response", err))
	}
	fields["request_id"] = requestID

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, toStatus(errors.NewInternalError("failed to encode response", err))
	}
	return out, nil
}

// RegisterEssaySearchServer registers srv on s.
func RegisterEssaySearchServer(s grpc.ServiceRegistrar, srv EssaySearchServer) {
	s.RegisterService(&EssaySearchServiceDesc, srv)
}

func unaryHandler(method string, call func(EssaySearchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EssaySearchServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EssaySearchServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// EssaySearchServiceDesc describes essaylake.v1.EssaySearch.
var EssaySearchServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EssaySearchServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Search", EssaySearchServer.Search),
		unaryHandler("ApplicationBreakdown", EssaySearchServer.ApplicationBreakdown),
		unaryHandler("TopSchools", EssaySearchServer.TopSchools),
		unaryHandler("CurrentSnapshot", EssaySearchServer.CurrentSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "essaylake/v1/essay_search.proto",
}

// EssaySearchClient is the client API of essaylake.v1.EssaySearch.
type EssaySearchClient struct {
	cc grpc.ClientConnInterface
}

// NewEssaySearchClient creates a client on cc.
func NewEssaySearchClient(cc grpc.ClientConnInterface) *EssaySearchClient {
	return &EssaySearchClient{cc: cc}
}

func (c *EssaySearchClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Search calls EssaySearch.Search.
func (c *EssaySearchClient) Search(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Search", in, opts...)
}

// ApplicationBreakdown calls EssaySearch.ApplicationBreakdown.
func (c *EssaySearchClient) ApplicationBreakdown(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ApplicationBreakdown", in, opts...)
}

// TopSchools calls EssaySearch.TopSchools.
func (c *EssaySearchClient) TopSchools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "TopSchools", in, opts...)
}

// CurrentSnapshot calls EssaySearch.CurrentSnapshot.
func (c *EssaySearchClient) CurrentSnapshot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CurrentSnapshot", in, opts...)
}

// FilterStruct encodes a filter as a request struct.
func FilterStruct(f query.Filter) (*structpb.Struct, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}
