// Package mediaengine abstracts the external WebRTC media plane behind a
// small interface: workers, routers, transports, producers, and consumers,
// in the mediasoup vocabulary. The control plane only ever talks to this
// interface; the concrete engine (a separate process, reached over gRPC)
// is swappable without touching room or seat logic.
package mediaengine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// TransportParams carries the ICE/DTLS parameters the media engine hands
// back after creating a WebRTC transport, opaque to the control plane.
type TransportParams struct {
	ID                string
	ICEParameters     map[string]any
	ICECandidates     []any
	DTLSParameters    map[string]any
}

// DominantSpeakerEvent is a single "dominantspeaker" notification from a
// router's audio level observer: the producer that just became loudest.
type DominantSpeakerEvent struct {
	ProducerID string
}

// Engine is the full set of operations the media cluster needs from the
// external media plane.
type Engine interface {
	CreateWorker(ctx context.Context) (workerID string, err error)
	CreateRouter(ctx context.Context, workerID string) (routerID string, err error)
	RouterCapabilities(ctx context.Context, routerID string) (rtpCapabilities map[string]any, err error)
	CreateWebRTCTransport(ctx context.Context, routerID string) (*TransportParams, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters map[string]any) error
	Produce(ctx context.Context, transportID string, kind string, rtpParameters map[string]any) (producerID string, err error)
	Consume(ctx context.Context, transportID string, producerID string) (consumerID string, err error)
	PauseConsumer(ctx context.Context, consumerID string) error
	ResumeConsumer(ctx context.Context, consumerID string) error
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	CloseProducer(ctx context.Context, producerID string) error
	CloseConsumer(ctx context.Context, consumerID string) error
	PipeProducerToRouter(ctx context.Context, producerID string, targetRouterID string) (pipedProducerID string, err error)
	CloseRouter(ctx context.Context, routerID string) error
	WorkerAlive(ctx context.Context, workerID string) (bool, error)
	// AddProducerToAudioObserver registers producerID with routerID's
	// audio level observer, so it begins contributing to
	// WatchDominantSpeaker events.
	AddProducerToAudioObserver(ctx context.Context, routerID, producerID string) error
	// WatchDominantSpeaker streams "dominantspeaker" notifications from
	// routerID's audio observer until ctx is canceled or the underlying
	// stream ends, whichever comes first; the returned channel is closed
	// at that point.
	WatchDominantSpeaker(ctx context.Context, routerID string) (<-chan DominantSpeakerEvent, error)
	Close() error
}

// grpcEngine is the production Engine implementation: a thin gRPC client
// wrapped in a circuit breaker, mirroring how the control plane talks to
// every other external dependency.
type grpcEngine struct {
	conn *grpc.ClientConn
	cb   *gobreaker.CircuitBreaker
}

// NewGRPCEngine dials addr and returns an Engine backed by it.
func NewGRPCEngine(addr string) (Engine, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial media engine at %s: %w", addr, err)
	}

	st := gobreaker.Settings{
		Name:        "media_engine",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     10 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("media_engine").Set(stateVal)
		},
	}

	return &grpcEngine{conn: conn, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (e *grpcEngine) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	reqStruct, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", method, err)
	}

	resp, err := e.cb.Execute(func() (interface{}, error) {
		reply := &structpb.Struct{}
		if err := e.conn.Invoke(ctx, method, reqStruct, reply); err != nil {
			return nil, err
		}
		return reply, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("media_engine").Inc()
		}
		logging.Error(ctx, "media engine rpc failed", zap.String("method", method), zap.Error(err))
		return nil, fmt.Errorf("media engine rpc %s failed: %w", method, err)
	}
	return resp.(*structpb.Struct), nil
}

func (e *grpcEngine) CreateWorker(ctx context.Context) (string, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/CreateWorker", nil)
	if err != nil {
		return "", err
	}
	return resp.Fields["workerId"].GetStringValue(), nil
}

func (e *grpcEngine) CreateRouter(ctx context.Context, workerID string) (string, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/CreateRouter", map[string]any{"workerId": workerID})
	if err != nil {
		return "", err
	}
	return resp.Fields["routerId"].GetStringValue(), nil
}

func (e *grpcEngine) RouterCapabilities(ctx context.Context, routerID string) (map[string]any, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/RouterCapabilities", map[string]any{"routerId": routerID})
	if err != nil {
		return nil, err
	}
	return resp.Fields["rtpCapabilities"].GetStructValue().AsMap(), nil
}

func (e *grpcEngine) CreateWebRTCTransport(ctx context.Context, routerID string) (*TransportParams, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/CreateWebRTCTransport", map[string]any{"routerId": routerID})
	if err != nil {
		return nil, err
	}
	return &TransportParams{
		ID:             resp.Fields["transportId"].GetStringValue(),
		ICEParameters:  resp.Fields["iceParameters"].GetStructValue().AsMap(),
		DTLSParameters: resp.Fields["dtlsParameters"].GetStructValue().AsMap(),
	}, nil
}

func (e *grpcEngine) ConnectTransport(ctx context.Context, transportID string, dtlsParameters map[string]any) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/ConnectTransport", map[string]any{
		"transportId":    transportID,
		"dtlsParameters": dtlsParameters,
	})
	return err
}

func (e *grpcEngine) Produce(ctx context.Context, transportID string, kind string, rtpParameters map[string]any) (string, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/Produce", map[string]any{
		"transportId":   transportID,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	})
	if err != nil {
		return "", err
	}
	return resp.Fields["producerId"].GetStringValue(), nil
}

func (e *grpcEngine) Consume(ctx context.Context, transportID string, producerID string) (string, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/Consume", map[string]any{
		"transportId": transportID,
		"producerId":  producerID,
	})
	if err != nil {
		return "", err
	}
	return resp.Fields["consumerId"].GetStringValue(), nil
}

func (e *grpcEngine) PauseConsumer(ctx context.Context, consumerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/PauseConsumer", map[string]any{"consumerId": consumerID})
	return err
}

func (e *grpcEngine) ResumeConsumer(ctx context.Context, consumerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/ResumeConsumer", map[string]any{"consumerId": consumerID})
	return err
}

func (e *grpcEngine) PauseProducer(ctx context.Context, producerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/PauseProducer", map[string]any{"producerId": producerID})
	return err
}

func (e *grpcEngine) ResumeProducer(ctx context.Context, producerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/ResumeProducer", map[string]any{"producerId": producerID})
	return err
}

func (e *grpcEngine) CloseProducer(ctx context.Context, producerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/CloseProducer", map[string]any{"producerId": producerID})
	return err
}

func (e *grpcEngine) CloseConsumer(ctx context.Context, consumerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/CloseConsumer", map[string]any{"consumerId": consumerID})
	return err
}

func (e *grpcEngine) PipeProducerToRouter(ctx context.Context, producerID string, targetRouterID string) (string, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/PipeProducerToRouter", map[string]any{
		"producerId":     producerID,
		"targetRouterId": targetRouterID,
	})
	if err != nil {
		return "", err
	}
	return resp.Fields["pipedProducerId"].GetStringValue(), nil
}

func (e *grpcEngine) CloseRouter(ctx context.Context, routerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/CloseRouter", map[string]any{"routerId": routerID})
	return err
}

// AddProducerToAudioObserver registers producerID with routerID's audio
// level observer.
func (e *grpcEngine) AddProducerToAudioObserver(ctx context.Context, routerID, producerID string) error {
	_, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/AddProducerToAudioObserver", map[string]any{
		"routerId":   routerID,
		"producerId": producerID,
	})
	return err
}

// WatchDominantSpeaker opens a server-streaming RPC against routerID's
// audio observer and forwards each notification onto the returned
// channel. Only the initial stream setup goes through the circuit
// breaker: a long-lived stream doesn't fit the breaker's per-call
// request/response model.
func (e *grpcEngine) WatchDominantSpeaker(ctx context.Context, routerID string) (<-chan DominantSpeakerEvent, error) {
	reqStruct, err := structpb.NewStruct(map[string]any{"routerId": routerID})
	if err != nil {
		return nil, fmt.Errorf("failed to build dominant-speaker watch request: %w", err)
	}

	streamAny, err := e.cb.Execute(func() (interface{}, error) {
		stream, err := e.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true},
			"/msab.mediaengine.v1.MediaEngine/WatchDominantSpeaker")
		if err != nil {
			return nil, err
		}
		if err := stream.SendMsg(reqStruct); err != nil {
			return nil, err
		}
		if err := stream.CloseSend(); err != nil {
			return nil, err
		}
		return stream, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("media_engine").Inc()
		}
		return nil, fmt.Errorf("failed to open dominant-speaker stream for router %s: %w", routerID, err)
	}
	stream := streamAny.(grpc.ClientStream)

	events := make(chan DominantSpeakerEvent, 16)
	go func() {
		defer close(events)
		for {
			reply := &structpb.Struct{}
			if err := stream.RecvMsg(reply); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					logging.Warn(ctx, "dominant-speaker stream ended", zap.String("router_id", routerID), zap.Error(err))
				}
				return
			}
			producerID := reply.Fields["producerId"].GetStringValue()
			if producerID == "" {
				continue
			}
			select {
			case events <- DominantSpeakerEvent{ProducerID: producerID}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// WorkerAlive polls the media engine process for workerID's liveness, used
// by the worker pool's death-detection loop to notice a worker process that
// crashed out from under it.
func (e *grpcEngine) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	resp, err := e.invoke(ctx, "/msab.mediaengine.v1.MediaEngine/WorkerAlive", map[string]any{"workerId": workerID})
	if err != nil {
		return false, err
	}
	return resp.Fields["alive"].GetBoolValue(), nil
}

func (e *grpcEngine) Close() error {
	return e.conn.Close()
}
