package llm

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"llmgate/internal/apierror"
	"llmgate/internal/upstream"
)

// eventParser 把一个 SSE data payload 转成 chunk；emit=false 表示该事件不产生增量（如 ping、message_start）。
type eventParser func(data string) (chunk Chunk, emit bool, err error)

// sseStream 在上游 SSE 响应上实现拉取式 Stream：每次 Recv 最多读取到下一个可交付事件。
type sseStream struct {
	provider string
	body     io.ReadCloser
	events   *upstream.EventReader
	parse    eventParser

	finished  bool
	closeOnce sync.Once
}

const maxStreamLineBytes = 4 << 20

func newSSEStream(provider string, resp *http.Response, parse eventParser) *sseStream {
	return &sseStream{
		provider: provider,
		body:     resp.Body,
		events:   upstream.NewEventReader(resp.Body, maxStreamLineBytes),
		parse:    parse,
	}
}

func (s *sseStream) Recv() (Chunk, error) {
	if s.finished {
		return Chunk{}, io.EOF
	}
	for {
		data, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// 上游在没有结束原因的情况下断流，视为中途失败。
				return Chunk{}, apierror.New(apierror.KindProviderServiceUnavailable, "upstream stream ended before completion").WithProvider(s.provider)
			}
			return Chunk{}, apierror.Normalize(s.provider, err)
		}
		if data == "[DONE]" {
			return Chunk{}, apierror.New(apierror.KindProviderServiceUnavailable, "upstream stream ended before completion").WithProvider(s.provider)
		}
		chunk, emit, err := s.parse(data)
		if err != nil {
			return Chunk{}, apierror.Normalize(s.provider, err)
		}
		if !emit {
			continue
		}
		if chunk.FinishReason != "" {
			s.finished = true
		}
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
