package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/logging"
)

// DetectAndEmbedMethod is the full gRPC method name served by the embedding
// sidecar. The request is a BytesValue holding the encoded image; the
// response is a ListValue with one list of numbers per detected face.
const DetectAndEmbedMethod = "/facereg.embedding.v1.EmbeddingService/DetectAndEmbed"

// DialEmbeddingService returns a ready-to-use embedding client for the sidecar at addr.
func DialEmbeddingService(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (embedding.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_embedding_service", "", err)
		logger.Error("failed to dial embedding service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewEmbeddingClient(conn, logger), conn, nil
}

// NewEmbeddingClient wraps an existing connection.
func NewEmbeddingClient(conn grpc.ClientConnInterface, logger *zap.Logger) embedding.Client {
	return &grpcEmbeddingClient{conn: conn, logger: logger.Named("embedding_grpc")}
}

type grpcEmbeddingClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcEmbeddingClient) DetectAndEmbed(ctx context.Context, image []byte) ([]embedding.Vector, error) {
	resp := &structpb.ListValue{}
	if err := g.conn.Invoke(ctx, DetectAndEmbedMethod, wrapperspb.Bytes(image), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_and_embed", "", err)
		g.logger.Error("embedding service call failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, wrapped
	}
	return decodeFaces(resp)
}

func decodeFaces(resp *structpb.ListValue) ([]embedding.Vector, error) {
	faces := make([]embedding.Vector, 0, len(resp.GetValues()))
	for i, item := range resp.GetValues() {
		list := item.GetListValue()
		if list == nil {
			return nil, logging.NewOperationError("grpcclient.decode_faces", "", fmt.Errorf("face %d is not a list", i))
		}
		vec := make(embedding.Vector, len(list.GetValues()))
		for j, v := range list.GetValues() {
			if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
				return nil, logging.NewOperationError("grpcclient.decode_faces", "", fmt.Errorf("face %d component %d is not a number", i, j))
			}
			vec[j] = float32(v.GetNumberValue())
		}
		faces = append(faces, vec)
	}
	return faces, nil
}
