package grpcclient

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/facereg/internal/embedding"
)

type fakeEmbedder struct {
	faces    [][]interface{}
	received []byte
}

func startFakeService(t *testing.T, impl *fakeEmbedder) *bufconn.Listener {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "facereg.embedding.v1.EmbeddingService",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "DetectAndEmbed",
			Handler: func(s interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &wrapperspb.BytesValue{}
				if err := dec(in); err != nil {
					return nil, err
				}
				fake := s.(*fakeEmbedder)
				fake.received = in.GetValue()
				values := make([]interface{}, len(fake.faces))
				for i, f := range fake.faces {
					values[i] = f
				}
				return structpb.NewList(values)
			},
		}},
	}, impl)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func dialFake(t *testing.T, lis *bufconn.Listener) embedding.Client {
	t.Helper()
	client, conn, err := DialEmbeddingService(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func TestDetectAndEmbedRoundTrip(t *testing.T) {
	impl := &fakeEmbedder{faces: [][]interface{}{{0.5, -1.0, 2.0}}}
	client := dialFake(t, startFakeService(t, impl))

	faces, err := client.DetectAndEmbed(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(impl.received) != "jpeg-bytes" {
		t.Fatalf("service received %q", impl.received)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	want := embedding.Vector{0.5, -1, 2}
	for i := range want {
		if faces[0][i] != want[i] {
			t.Fatalf("face[0] = %v, want %v", faces[0], want)
		}
	}
}

func TestDetectAndEmbedMultipleFacesRejectedByExtract(t *testing.T) {
	impl := &fakeEmbedder{faces: [][]interface{}{{1.0}, {2.0}}}
	client := dialFake(t, startFakeService(t, impl))

	if _, err := embedding.Extract(context.Background(), client, []byte("x")); err != embedding.ErrNoUsableFace {
		t.Fatalf("expected ErrNoUsableFace, got %v", err)
	}
}

func TestDecodeFacesRejectsMalformedResponses(t *testing.T) {
	notList, _ := structpb.NewList([]interface{}{1.0})
	if _, err := decodeFaces(notList); err == nil {
		t.Fatal("expected error for non-list face")
	}

	notNumber, _ := structpb.NewList([]interface{}{[]interface{}{"a"}})
	if _, err := decodeFaces(notNumber); err == nil {
		t.Fatal("expected error for non-number component")
	}

	empty, _ := structpb.NewList(nil)
	faces, err := decodeFaces(empty)
	if err != nil || len(faces) != 0 {
		t.Fatalf("expected no faces, got %v %v", faces, err)
	}
}
