package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/image-labels/internal/logging"
)

type sidecarFunc func(req *structpb.Struct) (*structpb.Struct, error)

func startSidecar(t *testing.T, fn sidecarFunc) *GRPCDetector {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != DetectLabelsMethod {
			return status.Error(codes.Unimplemented, method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := fn(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	det, err := DialGRPC(context.Background(), "bufnet", time.Second, zap.NewNop(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = det.Close() })
	return det
}

func TestGRPCDetectLabels(t *testing.T) {
	var got map[string]interface{}
	det := startSidecar(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		got = req.AsMap()
		return structpb.NewStruct(map[string]interface{}{
			"labels": []interface{}{
				map[string]interface{}{"Name": "Cat", "Confidence": 91.234, "Parents": []interface{}{map[string]interface{}{"Name": "Animal"}}},
				map[string]interface{}{"name": "Dog", "confidence": 95.0},
				map[string]interface{}{"name": "Blur", "confidence": 12.0},
			},
		})
	})

	res, err := det.DetectLabels(context.Background(), []byte("img"), Options{MinConfidence: 80, MaxLabels: 5})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got["image"] != base64.StdEncoding.EncodeToString([]byte("img")) || got["min_confidence"] != float64(80) || got["max_labels"] != float64(5) {
		t.Fatalf("unexpected request %v", got)
	}
	if len(res.Labels) != 2 || res.Labels[0].Name != "Dog" || res.Labels[1].Confidence != 91.23 {
		t.Fatalf("unexpected labels %+v", res.Labels)
	}
	if len(res.Labels[1].Parents) != 1 || res.Labels[1].Parents[0] != "Animal" {
		t.Fatalf("unexpected parents %+v", res.Labels[1].Parents)
	}
}

func TestGRPCMapsStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{status.Error(codes.InvalidArgument, CodeInvalidImageFormat), CodeInvalidImageFormat},
		{status.Error(codes.InvalidArgument, "min_confidence out of range"), CodeInvalidParameter},
		{status.Error(codes.PermissionDenied, "nope"), CodeAccessDenied},
		{status.Error(codes.ResourceExhausted, "slow down"), CodeThroughputExceeded},
	}
	for _, tc := range cases {
		det := startSidecar(t, func(*structpb.Struct) (*structpb.Struct, error) { return nil, tc.err })
		_, err := det.DetectLabels(context.Background(), []byte("img"), Options{})
		var detectErr *DetectError
		if !errors.As(err, &detectErr) || detectErr.Code != tc.code {
			t.Fatalf("expected %s, got %v", tc.code, err)
		}
	}
}

func TestGRPCInfrastructureFailure(t *testing.T) {
	det := startSidecar(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Internal, "model crashed")
	})
	_, err := det.DetectLabels(context.Background(), []byte("img"), Options{})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "detector.grpc_detect_labels" {
		t.Fatalf("expected operation error, got %v", err)
	}
	if status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected wrapped status, got %v", err)
	}
}

func TestGRPCInBandErrorCode(t *testing.T) {
	det := startSidecar(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"error_code": CodeImageTooLarge})
	})

	_, err := det.DetectLabels(context.Background(), []byte("img"), Options{MinConfidence: 80})
	var detectErr *DetectError
	if !errors.As(err, &detectErr) {
		t.Fatalf("expected DetectError, got %v", err)
	}
	if detectErr.Code != CodeImageTooLarge || detectErr.Message != codeMessages[CodeImageTooLarge] {
		t.Fatalf("unexpected error %+v", detectErr)
	}
}

func TestGRPCEmptyResponse(t *testing.T) {
	det := startSidecar(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})

	res, err := det.DetectLabels(context.Background(), []byte("img"), Options{MinConfidence: 80})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Labels) != 0 {
		t.Fatalf("expected no labels, got %+v", res.Labels)
	}
}
