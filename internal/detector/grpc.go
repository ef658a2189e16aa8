package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/image-labels/internal/labels"
	"github.com/example/image-labels/internal/logging"
)

// DetectLabelsMethod is the full gRPC method served by the inference sidecar.
// Requests and responses are google.protobuf.Struct messages.
const DetectLabelsMethod = "/imagelabels.v1.LabelDetector/DetectLabels"

// GRPCDetector calls a remote inference sidecar.
type GRPCDetector struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// DialGRPC connects to the sidecar at addr and blocks until the connection is
// ready or ctx expires.
func DialGRPC(ctx context.Context, addr string, callTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCDetector, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("detector.dial_grpc", "", err)
		logger.Error("failed to dial label detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &GRPCDetector{conn: conn, timeout: callTimeout, logger: logger.Named("grpc_detector")}, nil
}

// DetectLabels implements Client.
func (g *GRPCDetector) DetectLabels(ctx context.Context, image []byte, opts Options) (*Result, error) {
	maxLabels := opts.MaxLabels
	if maxLabels <= 0 {
		maxLabels = DefaultMaxLabels
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"image":          base64.StdEncoding.EncodeToString(image),
		"min_confidence": opts.MinConfidence,
		"max_labels":     float64(maxLabels),
	})
	if err != nil {
		return nil, logging.NewOperationError("detector.grpc_encode", "", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DetectLabelsMethod, req, resp); err != nil {
		if detectErr := fromStatus(err); detectErr != nil {
			g.logger.Warn("detector rejected image", zap.String("code", detectErr.Code), zap.Error(err))
			return nil, detectErr
		}
		wrapped := logging.NewOperationError("detector.grpc_detect_labels", "", err)
		g.logger.Error("label detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, logging.NewOperationError("detector.grpc_decode", "", err)
	}
	// the sidecar may report a rejection in-band instead of via status
	if code := gjson.GetBytes(raw, "error_code").String(); code != "" {
		g.logger.Warn("detector rejected image", zap.String("code", code))
		return nil, NewDetectError(code, nil)
	}

	var found []labels.Label
	if list := gjson.GetBytes(raw, "labels"); list.IsArray() {
		if err := json.Unmarshal([]byte(list.Raw), &found); err != nil {
			return nil, logging.NewOperationError("detector.grpc_decode", "", err)
		}
	}
	return &Result{Labels: Finalize(found, opts)}, nil
}

// fromStatus maps status codes that describe a bad request to a DetectError.
// Anything else is an infrastructure failure and yields nil.
func fromStatus(err error) *DetectError {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	switch st.Code() {
	case codes.InvalidArgument:
		if st.Message() == CodeInvalidImageFormat || st.Message() == CodeImageTooLarge {
			return NewDetectError(st.Message(), err)
		}
		return NewDetectError(CodeInvalidParameter, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return NewDetectError(CodeAccessDenied, err)
	case codes.ResourceExhausted:
		return NewDetectError(CodeThroughputExceeded, err)
	default:
		return nil
	}
}

// Close releases the connection.
func (g *GRPCDetector) Close() error {
	if g == nil || g.conn == nil {
		return nil
	}
	return g.conn.Close()
}
