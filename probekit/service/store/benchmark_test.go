package store

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const benchFlowCount = 1_000

type benchStorageProvider struct {
	name    string
	factory func(b *testing.B) Storage
}

var benchStorageProviders = []benchStorageProvider{
	{
		name: "memory",
		factory: func(b *testing.B) Storage {
			b.Helper()

			return NewMemStorage()
		},
	},
	{
		name: "bolt",
		factory: func(b *testing.B) Storage {
			b.Helper()

			s, err := NewBoltStorage(filepath.Join(b.TempDir(), "bench.db"))
			require.NoError(b, err)
			return s
		},
	},
}

var benchBody = makeBenchBody()

// makeBenchBody builds a deterministic response body with enough size and
// variation to exercise serialization realistically.
func makeBenchBody() []byte {
	r := rand.New(rand.NewSource(1337))
	body := []byte("<!doctype html><html><body>\n")
	for i := 0; i < benchFlowCount/4; i++ {
		body = append(body, fmt.Sprintf("<a href=%q>", "/item/"+uuid.New().String())...)
		switch r.Intn(3) {
		case 0:
			body = append(body, "a short link label"...)
		case 1:
			body = append(body, "a somewhat longer link label with more words in it"...)
		default:
			body = append(body, time.Unix(int64(r.Intn(1<<30)), 0).UTC().Format(time.RFC3339)...)
		}
		body = append(body, "</a>\n"...)
	}
	return append(body, "</body></html>"...)
}

func benchFlow(n int) *ProbeFlow {
	return &ProbeFlow{
		Source:      "probe",
		Method:      "GET",
		URL:         fmt.Sprintf("https://example.com/path%d", n),
		Host:        "example.com",
		Path:        fmt.Sprintf("/path%d", n),
		Protocol:    "http/1.1",
		Status:      200,
		RespHeaders: []byte("Content-Type: text/html\nServer: bench"),
		RespBody:    benchBody,
		ContentType: "text/html",
		Duration:    time.Duration(20+n) * time.Millisecond,
	}
}

func BenchmarkFlowStore_AddGetClear(b *testing.B) {
	for _, sp := range benchStorageProviders {
		b.Run(sp.name, func(b *testing.B) {
			storage := sp.factory(b)
			s := NewFlowStore(storage)
			b.Cleanup(func() { _ = s.Close() })

			b.ResetTimer()
			for range b.N {
				flowIDs := make([]string, 0, benchFlowCount)
				for j := range benchFlowCount {
					flowID, err := s.Add(benchFlow(j))
					require.NoError(b, err)
					flowIDs = append(flowIDs, flowID)
				}
				for _, flowID := range flowIDs {
					_, _ = s.Get(flowID)
				}
				require.NoError(b, s.Clear())
			}
		})
	}
}

func BenchmarkFlowStore_List(b *testing.B) {
	for _, sp := range benchStorageProviders {
		b.Run(sp.name, func(b *testing.B) {
			storage := sp.factory(b)
			s := NewFlowStore(storage)
			b.Cleanup(func() { _ = s.Close() })

			for j := range benchFlowCount {
				_, err := s.Add(benchFlow(j))
				require.NoError(b, err)
			}

			b.ResetTimer()
			for range b.N {
				_ = s.List(FlowListOptions{MinStatus: 200, MaxStatus: 299, Limit: 100})
			}
		})
	}
}

func BenchmarkComputeRequestHash(b *testing.B) {
	body := benchBody[:1024]

	b.ResetTimer()
	for range b.N {
		ComputeRequestHash("POST", "example.com", "/api/items", nil, body)
	}
}
