// Package completion runs one streaming exchange with an external chat-completion
// service and reports it as fragments followed by exactly one terminal event.
package completion

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/streamchat/backend/internal/config"
)

const tracerName = "github.com/zhouzirui/streamchat/backend/internal/service/completion"

// Request carries everything a single exchange needs.
type Request struct {
	SystemInstruction string
	UserMessage       string
	Model             string
	Credential        string
}

// Listener receives the events of one exchange. OnFragment is called zero or more
// times in delivery order, then exactly one of OnComplete or OnFailure.
type Listener interface {
	OnFragment(text string)
	OnComplete(fullText string)
	OnFailure(reason string)
}

// ListenerFuncs adapts plain functions to a Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	Fragment func(text string)
	Complete func(fullText string)
	Failure  func(reason string)
}

func (f ListenerFuncs) OnFragment(text string) {
	if f.Fragment != nil {
		f.Fragment(text)
	}
}

func (f ListenerFuncs) OnComplete(fullText string) {
	if f.Complete != nil {
		f.Complete(fullText)
	}
}

func (f ListenerFuncs) OnFailure(reason string) {
	if f.Failure != nil {
		f.Failure(reason)
	}
}

var promptTemplate = prompt.FromMessages(
	schema.FString,
	schema.SystemMessage("{system}"),
	schema.UserMessage("{query}"),
)

// Client turns requests into streamed exchanges. It holds no per-exchange state and
// is safe for concurrent use; callers enforce their own one-at-a-time policy.
type Client struct {
	factory       ModelFactory
	defaultModel  string
	defaultSystem string
	tracer        trace.Tracer
}

// NewClient creates a client that builds its chat model per exchange through factory.
// defaultModel and defaultSystem fill requests that leave them empty.
func NewClient(factory ModelFactory, defaultModel, defaultSystem string) *Client {
	if defaultModel == "" {
		defaultModel = config.DefaultModel
	}
	if strings.TrimSpace(defaultSystem) == "" {
		defaultSystem = config.DefaultSystemInstruction
	}
	return &Client{
		factory:       factory,
		defaultModel:  defaultModel,
		defaultSystem: defaultSystem,
		tracer:        otel.Tracer(tracerName),
	}
}

// Stream runs the exchange to completion or failure. It blocks until the terminal
// event has been delivered; all listener calls happen on the calling goroutine.
// There is no retry and no timeout of its own.
func (c *Client) Stream(ctx context.Context, req Request, listener Listener) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if strings.TrimSpace(req.SystemInstruction) == "" {
		req.SystemInstruction = c.defaultSystem
	}

	ctx, span := c.tracer.Start(ctx, "completion.stream",
		trace.WithAttributes(attribute.String("llm.model", req.Model)))
	defer span.End()

	started := time.Now()
	fragments := 0
	full, err := c.stream(ctx, req, func(text string) {
		fragments++
		listener.OnFragment(text)
	})
	if err != nil {
		failure := Classify(err)
		span.RecordError(failure)
		span.SetStatus(codes.Error, string(failure.Kind))
		log.Warn().
			Str("model", req.Model).
			Str("kind", string(failure.Kind)).
			Int("fragments", fragments).
			Err(err).
			Msg("[completion] exchange failed")
		listener.OnFailure(failure.Error())
		return
	}

	span.SetAttributes(
		attribute.Int("llm.fragments", fragments),
		attribute.Int("llm.response_length", len(full)),
	)
	log.Debug().
		Str("model", req.Model).
		Int("fragments", fragments).
		Int("length", len(full)).
		Dur("elapsed", time.Since(started)).
		Msg("[completion] exchange completed")
	listener.OnComplete(full)
}

func (c *Client) stream(ctx context.Context, req Request, emit func(string)) (string, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return "", ErrCredentialMissing
	}

	chatModel, err := c.factory(ctx, ModelConfig{Model: req.Model, Credential: req.Credential})
	if err != nil {
		return "", errors.Wrap(err, "create chat model")
	}

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return "", errors.Wrap(err, "compile completion chain")
	}

	reader, err := runnable.Stream(ctx, map[string]any{
		"system": req.SystemInstruction,
		"query":  req.UserMessage,
	})
	if err != nil {
		return "", errors.Wrap(err, "open stream")
	}
	defer reader.Close()

	chunks := make([]*schema.Message, 0, 16)
	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", errors.Wrap(recvErr, "read stream")
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			emit(chunk.Content)
		}
	}

	if len(chunks) == 0 {
		return "", nil
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", errors.Wrap(err, "assemble response")
	}
	return response.Content, nil
}
