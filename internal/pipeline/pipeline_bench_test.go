package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"clarifai/pkg/contract"
	"clarifai/plugins/decoder/explainjson"
	"clarifai/plugins/prompt/dictionary"
)

// benchLLM 模拟模型调用，可设置固定延迟；输出夹带说明文字以覆盖解析扫描。
type benchLLM struct{ delay time.Duration }

func (m benchLLM) Create(ctx context.Context, opts contract.SessionOptions) (contract.Session, error) {
	return benchSession(m), nil
}

type benchSession struct{ delay time.Duration }

func (s benchSession) Prompt(ctx context.Context, input string, opts contract.PromptOptions) (contract.Raw, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return contract.Raw{Text: "Sure.\n```json\n" + catJSON + "\n```"}, nil
}

func (benchSession) Destroy() error { return nil }

// BenchmarkGenerate 测试单次解释（不含网络）的开销与并发下的吞吐。
func BenchmarkGenerate(b *testing.B) {
	pb, err := dictionary.New(nil)
	if err != nil {
		b.Fatalf("prompt builder: %v", err)
	}
	dec, err := explainjson.New(nil)
	if err != nil {
		b.Fatalf("decoder: %v", err)
	}
	for _, c := range []int{1, runtime.NumCPU()} {
		b.Run(fmt.Sprintf("C=%d", c), func(b *testing.B) {
			g, err := New(Components{LLM: benchLLM{}, PromptBuilder: pb, Decoder: dec}, Settings{MaxTokens: 4096}, nil)
			if err != nil {
				b.Fatalf("new: %v", err)
			}
			b.ReportAllocs()
			b.ResetTimer()
			var wg sync.WaitGroup
			per := b.N / c
			if per == 0 {
				per = 1
			}
			for w := 0; w < c; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < per; i++ {
						if _, err := g.Generate(context.Background(), "  the cat, sat. "); err != nil {
							b.Errorf("generate: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()
		})
	}
}
