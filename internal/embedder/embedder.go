// Package embedder produces 384-D, L2-normalized dense vectors for memory
// content and search queries. It hosts a compiled transformer module inside
// a sandboxed wazero runtime when one is available on disk, and transparently
// falls back to a deterministic hashing scheme otherwise.
package embedder

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/MycelicMemory/mycelicmemory/internal/logging"
)

var log = logging.GetLogger("embedder")

// Dimensions is the fixed output vector width for every embedding this
// package produces, regardless of which path generated it.
const Dimensions = 384

// Config controls where the embedder looks for its model.
type Config struct {
	// ModelPath is the compiled inference module (WASM) on disk. Empty or
	// missing means the embedder runs in fallback mode only.
	ModelPath string
	// MaxMemoryPages bounds the sandboxed runtime's linear memory, in 64KB
	// pages. Zero selects a conservative default.
	MaxMemoryPages uint32
}

func (c Config) withDefaults() Config {
	if c.MaxMemoryPages == 0 {
		c.MaxMemoryPages = 256 // 16MB, generous for a small sentence encoder
	}
	return c
}

// Embedder is a process-wide singleton. Exactly one goroutine may call Embed
// at a time; concurrent callers queue behind the mutex.
type Embedder struct {
	mu sync.Mutex

	cfg     Config
	runtime wazero.Runtime
	module  api.Module

	primaryAvailable bool
}

var (
	once     sync.Once
	instance *Embedder
)

// Get returns the process-wide Embedder, constructing it on first call.
// Construction never fails outwardly: if the native runtime or model can't
// be loaded, the returned Embedder simply runs in fallback mode and callers
// are none the wiser beyond reduced retrieval fidelity.
func Get(ctx context.Context, cfg Config) *Embedder {
	once.Do(func() {
		cfg = cfg.withDefaults()
		e := &Embedder{cfg: cfg}
		if err := e.initPrimary(ctx); err != nil {
			log.Warn("embedder primary runtime unavailable, using fallback", "error", err)
		} else {
			e.primaryAvailable = true
			log.Info("embedder primary runtime initialized", "model_path", cfg.ModelPath)
		}
		instance = e
	})
	return instance
}

// Reset tears down the singleton. Test-only: production code never needs to
// reconstruct the embedder mid-process.
func Reset(ctx context.Context) {
	if instance != nil && instance.runtime != nil {
		_ = instance.runtime.Close(ctx)
	}
	instance = nil
	once = sync.Once{}
}

func (e *Embedder) initPrimary(ctx context.Context) error {
	if e.cfg.ModelPath == "" {
		return fmt.Errorf("embedder: no model path configured")
	}
	modelBytes, err := os.ReadFile(e.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("embedder: read model: %w", err)
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(e.cfg.MaxMemoryPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	module, err := rt.Instantiate(ctx, modelBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("embedder: instantiate module: %w", err)
	}

	e.runtime = rt
	e.module = module
	return nil
}

// Embed produces a 384-D, L2-normalized vector for text. It never returns an
// error: a failure of the primary path silently downgrades this call (and
// all subsequent calls) to the fallback algorithm.
func (e *Embedder) Embed(ctx context.Context, text string) (vec []float32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error("embedder panic recovered", "panic", r)
			vec = fallbackEmbed(text)
		}
	}()

	if e.primaryAvailable {
		if v, perr := e.embedPrimary(ctx, text); perr == nil {
			return v, nil
		} else {
			log.Warn("primary embedding failed, falling back", "error", perr)
			e.primaryAvailable = false
		}
	}
	return fallbackEmbed(text), nil
}

// embedPrimary runs the ONNX-style pipeline: tokenize, build the three input
// tensors, invoke the model, mean-pool weighted by the attention mask, and
// L2-normalize.
func (e *Embedder) embedPrimary(ctx context.Context, text string) ([]float32, error) {
	ids := tokenize(text)
	if len(ids) == 0 {
		ids = []int{0}
	}

	tokenIDs := make([]int32, len(ids))
	attentionMask := make([]int32, len(ids))
	tokenTypeIDs := make([]int32, len(ids))
	for i, id := range ids {
		tokenIDs[i] = int32(id)
		attentionMask[i] = 1
		tokenTypeIDs[i] = 0
	}

	infer := e.module.ExportedFunction("embed")
	if infer == nil {
		return nil, fmt.Errorf("embedder: module does not export 'embed'")
	}

	inputPtr, inputLen, err := writeTensors(ctx, e.module, tokenIDs, attentionMask, tokenTypeIDs)
	if err != nil {
		return nil, err
	}

	results, err := infer.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("embedder: model call: %w", err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("embedder: unexpected model result shape")
	}

	outPtr, outLen := uint32(results[0]), uint32(results[1])
	raw, ok := e.module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("embedder: failed to read model output memory")
	}

	tokenVectors := decodeFloat32Matrix(raw, len(ids), Dimensions)
	pooled := meanPool(tokenVectors, attentionMask)
	return normalize(pooled), nil
}

// writeTensors serializes the three parallel int32 tensors into the module's
// linear memory and returns the base pointer and total byte length.
func writeTensors(ctx context.Context, module api.Module, tokenIDs, attentionMask, tokenTypeIDs []int32) (uint32, uint32, error) {
	alloc := module.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("embedder: module does not export 'alloc'")
	}

	buf := make([]byte, 0, 4*len(tokenIDs)*3)
	for _, t := range [][]int32{tokenIDs, attentionMask, tokenTypeIDs} {
		for _, v := range t {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, uint32(v))
			buf = append(buf, b...)
		}
	}

	results, err := alloc.Call(ctx, uint64(len(buf)))
	if err != nil || len(results) != 1 {
		return 0, 0, fmt.Errorf("embedder: alloc call failed: %w", err)
	}
	ptr := uint32(results[0])

	if !module.Memory().Write(ptr, buf) {
		return 0, 0, fmt.Errorf("embedder: failed to write input tensors")
	}
	return ptr, uint32(len(buf)), nil
}

// decodeFloat32Matrix reinterprets a little-endian byte buffer as rows*cols
// float32 values laid out row-major.
func decodeFloat32Matrix(raw []byte, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		for c := 0; c < cols; c++ {
			off := (r*cols + c) * 4
			if off+4 > len(raw) {
				continue
			}
			bits := binary.LittleEndian.Uint32(raw[off : off+4])
			row[c] = math.Float32frombits(bits)
		}
		out[r] = row
	}
	return out
}

// meanPool averages token vectors along the length axis, weighted by the
// attention mask so padding tokens never contribute.
func meanPool(tokenVectors [][]float32, attentionMask []int32) []float32 {
	pooled := make([]float32, Dimensions)
	var maskSum float32
	for i, row := range tokenVectors {
		if attentionMask[i] == 0 {
			continue
		}
		maskSum++
		for d, v := range row {
			pooled[d] += v
		}
	}
	if maskSum == 0 {
		return pooled
	}
	for d := range pooled {
		pooled[d] /= maskSum
	}
	return pooled
}
