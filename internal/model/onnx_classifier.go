package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXClassifier serves predict_proba through an ONNX Runtime session,
// the production classifier backend for bundles produced by the offline
// training pipeline and exported to ONNX.
type ONNXClassifier struct {
	mu      sync.Mutex
	session *ort.DynamicSession[float32, float32]
	onceEnv sync.Once
	model   onnxModelRef
}

type onnxModelRef struct {
	ModelFile  string `json:"model_file"`
	InputName  string `json:"input_name"`
	OutputName string `json:"output_name"`
}

// NewONNXClassifier constructs an unloaded ONNX-backed classifier.
func NewONNXClassifier() *ONNXClassifier {
	return &ONNXClassifier{}
}

// RawProba runs one inference through the ONNX session and returns
// [p(class0), p(class1)].
func (c *ONNXClassifier) RawProba(row []float64) ([2]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return [2]float64{}, fmt.Errorf("onnx: classifier not loaded")
	}

	input := make([]float32, len(row))
	for i, v := range row {
		input[i] = float32(v)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(row))), input)
	if err != nil {
		return [2]float64{}, fmt.Errorf("onnx: build input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		return [2]float64{}, fmt.Errorf("onnx: build output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return [2]float64{}, fmt.Errorf("onnx: run session: %w", err)
	}

	out := outputTensor.GetData()
	if len(out) < 2 {
		return [2]float64{}, fmt.Errorf("onnx: unexpected output width %d", len(out))
	}
	p0, p1 := float64(out[0]), float64(out[1])
	total := p0 + p1
	if total <= 0 {
		return [2]float64{0.5, 0.5}, nil
	}
	return [2]float64{p0 / total, p1 / total}, nil
}

// Save persists the ONNX model reference; the binary .onnx file itself is
// produced by the offline training pipeline and copied alongside it.
func (c *ONNXClassifier) Save(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, err := json.MarshalIndent(c.model, "", "  ")
	if err != nil {
		return fmt.Errorf("onnx: marshal model ref: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "model_ref.json"), buf, 0o644)
}

// Load initializes the ONNX Runtime environment (once per process) and
// opens a session against the bundled model file.
func (c *ONNXClassifier) Load(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	refBuf, err := os.ReadFile(filepath.Join(dir, "model_ref.json"))
	if err != nil {
		return fmt.Errorf("onnx: read model ref: %w", err)
	}
	var ref onnxModelRef
	if err := json.Unmarshal(refBuf, &ref); err != nil {
		return fmt.Errorf("onnx: parse model ref: %w", err)
	}
	if ref.InputName == "" {
		ref.InputName = "input"
	}
	if ref.OutputName == "" {
		ref.OutputName = "output"
	}
	c.model = ref

	c.onceEnv.Do(func() {
		_ = ort.InitializeEnvironment()
	})

	modelPath := filepath.Join(dir, ref.ModelFile)
	if ref.ModelFile == "" {
		modelPath = filepath.Join(dir, "model.onnx")
	}
	session, err := ort.NewDynamicSession[float32, float32](
		modelPath,
		[]string{ref.InputName},
		[]string{ref.OutputName},
	)
	if err != nil {
		return fmt.Errorf("onnx: open session at %s: %w", modelPath, err)
	}
	c.session = session
	return nil
}

// Close releases the underlying ONNX Runtime session.
func (c *ONNXClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
}
