package lifecycle

import (
	"strconv"

	"github.com/aulendur/cortex/pkg/models"
)

// internalContainerPort is the fixed port every engine listens on inside
// its container; the lifecycle manager maps it to an allocated host port.
const internalContainerPort = 8000

// renderArgs renders the engine's own command-line form from a Model's
// engine parameters, exactly as §9 requires: a pure function of (engine
// kind, parameter record, resolved weight path), never a string-keyed map
// crossing the boundary into the container driver.
func renderArgs(m *models.Model, weightPath string) []string {
	switch m.EngineKind {
	case models.EngineQuantized:
		return renderQuantizedArgs(m.QuantizedParams, weightPath, m.ServedName)
	default:
		return renderTransformerArgs(m.TransformerParams, weightPath, m.ServedName)
	}
}

func renderTransformerArgs(p *models.TransformerParams, weightPath, servedName string) []string {
	args := []string{"--served-model-name", servedName, "--model", weightPath}
	if p == nil {
		return args
	}
	if p.Dtype != "" {
		args = append(args, "--dtype", p.Dtype)
	}
	if p.TensorParallelSize > 0 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(p.TensorParallelSize))
	}
	if p.GPUMemoryFraction > 0 {
		args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(p.GPUMemoryFraction, 'f', -1, 64))
	}
	if p.MaxModelLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(p.MaxModelLen))
	}
	if p.KVCacheDtype != "" {
		args = append(args, "--kv-cache-dtype", p.KVCacheDtype)
	}
	if p.QuantizationScheme != "" {
		args = append(args, "--quantization", p.QuantizationScheme)
	}
	if p.MaxNumSeqs > 0 {
		args = append(args, "--max-num-seqs", strconv.Itoa(p.MaxNumSeqs))
	}
	if p.FlashAttention {
		args = append(args, "--enable-flash-attention")
	}
	if p.DraftModelPath != "" {
		args = append(args, "--speculative-model", p.DraftModelPath)
	}
	args = append(args, p.ExtraArgs...)
	return args
}

func renderQuantizedArgs(p *models.QuantizedParams, weightPath, servedName string) []string {
	args := []string{"--served-model-name", servedName, "--model", weightPath}
	if p == nil {
		return args
	}
	if p.ContextLength > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(p.ContextLength))
	}
	if p.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(p.GPULayers))
	}
	if p.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(p.BatchSize))
	}
	if p.UBatchSize > 0 {
		args = append(args, "--ubatch-size", strconv.Itoa(p.UBatchSize))
	}
	if p.FlashAttention {
		args = append(args, "--flash-attn")
	}
	args = append(args, p.ExtraArgs...)
	return args
}

// gpuDeviceIndices returns the explicit GPU index set the Model declared,
// regardless of engine kind.
func gpuDeviceIndices(m *models.Model) []int {
	if m.TransformerParams != nil {
		return m.TransformerParams.GPUDeviceIndices
	}
	if m.QuantizedParams != nil {
		return m.QuantizedParams.GPUDeviceIndices
	}
	return nil
}

// bytesPerParam approximates on-disk/VRAM bytes per parameter for a dtype,
// used only by the dry-run footprint estimate.
var bytesPerParam = map[string]float64{
	"float32": 4, "fp32": 4,
	"float16": 2, "fp16": 2, "bfloat16": 2, "bf16": 2,
	"int8": 1, "q8_0": 1,
	"int4": 0.5, "q4_0": 0.5, "q4_k_m": 0.5,
}

// FootprintEstimate is the dry_run resource estimate: a deterministic, pure
// function of the Model's already-declared engine parameters.
type FootprintEstimate struct {
	EstimatedVRAMGB float64 `json:"estimated_vram_gb"`
	TensorParallel  int     `json:"tensor_parallel_degree"`
	Dtype           string  `json:"dtype"`
}

// estimateFootprint assumes a 7-billion-parameter baseline when the Model
// carries no way to infer parameter count, scaled by tensor-parallel degree,
// GPU memory fraction and the per-dtype byte width; this is a rough operator-facing estimate,
// not a precision accounting of engine memory use.
func estimateFootprint(m *models.Model) FootprintEstimate {
	const baselineParams = 7_000_000_000

	dtype := "float16"
	tp := 1
	gpuFraction := 1.0
	if m.TransformerParams != nil {
		if m.TransformerParams.Dtype != "" {
			dtype = m.TransformerParams.Dtype
		}
		if m.TransformerParams.TensorParallelSize > 0 {
			tp = m.TransformerParams.TensorParallelSize
		}
		if m.TransformerParams.GPUMemoryFraction > 0 {
			gpuFraction = m.TransformerParams.GPUMemoryFraction
		}
	} else if m.QuantizedParams != nil {
		dtype = "q4_k_m"
	}

	width, ok := bytesPerParam[dtype]
	if !ok {
		width = 2
	}

	totalBytes := baselineParams * width * gpuFraction * float64(tp)
	gb := totalBytes / (1 << 30)
	return FootprintEstimate{EstimatedVRAMGB: roundTo(gb, 2), TensorParallel: tp, Dtype: dtype}
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int(v*mult+0.5)) / mult
}

// upstreamEnv builds the env map every engine container receives: the
// shared internal secret. GPU selection travels as a device request on the
// container spec, and Model-specific parameters are rendered as
// command-line args; neither goes through environment variables.
func upstreamEnv(internalAPIKey string) map[string]string {
	env := map[string]string{}
	if internalAPIKey != "" {
		env["CORTEX_UPSTREAM_API_KEY"] = internalAPIKey
	}
	return env
}

func commandLine(image string, args []string) string {
	line := image
	for _, a := range args {
		line += " " + a
	}
	return line
}
