package detector

import (
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/pkg/types"
)

var (
	envMu    sync.Mutex
	envUsers int
)

// acquireEnvironment initializes the onnxruntime environment on first use.
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envUsers == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envUsers--
	if envUsers == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Warn("Detector", "Destroy onnxruntime environment: %v", err)
		}
	}
}

// ONNXEngine runs a YOLO detection export through onnxruntime.
type ONNXEngine struct {
	params  types.InferenceParams
	labels  []string
	anchors int

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXEngine loads the model at cfg.ModelPath. The model must take a
// single (1,3,S,S) float input named "images" and produce "output0"
// shaped (1, 4+len(labels), anchors).
func NewONNXEngine(cfg Config, labels []string) (*ONNXEngine, error) {
	if err := acquireEnvironment(cfg.SharedLibPath); err != nil {
		return nil, err
	}

	e, err := newSession(cfg, labels)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return e, nil
}

func newSession(cfg Config, labels []string) (*ONNXEngine, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	if cfg.Params.Device == types.DeviceCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating cuda options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("enable cuda provider: %w", err)
		}
		if cfg.Params.Half {
			// fp16 exports keep float32 I/O, so tensors below are unchanged.
			logger.Info("Detector", "Half precision requested, expecting an fp16 export")
		}
	}

	size := int64(cfg.Params.InputSize)
	anchors := anchorCount(cfg.Params.InputSize)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(labels)), int64(anchors)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ONNXEngine{
		params:  cfg.Params,
		labels:  labels,
		anchors: anchors,
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

// Detect letterboxes img, runs the model and draws the surviving boxes.
func (e *ONNXEngine) Detect(img image.Image) (image.Image, []types.Detection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, nil, &InferenceError{Message: "empty frame"}
	}

	start := time.Now()
	b := img.Bounds()
	lb := newLetterbox(b.Dx(), b.Dy(), e.params.InputSize)
	fillTensor(lb.apply(img), e.input.GetData())

	if err := e.session.Run(); err != nil {
		return nil, nil, &InferenceError{Message: "model inference", Cause: err}
	}

	dets := decodeOutput(e.output.GetData(), len(e.labels), e.anchors, lb, e.params.Confidence, e.labels)
	dets = nonMaxSuppression(dets, e.params.IoU)

	annotated := Annotate(img, dets)
	logger.Debug("Detector", "%dx%d -> %d detections in %v", b.Dx(), b.Dy(), len(dets), time.Since(start))
	return annotated, dets, nil
}

func (e *ONNXEngine) Params() types.InferenceParams { return e.params }

// Close releases the session and its tensors.
func (e *ONNXEngine) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	e.session = nil
	releaseEnvironment()
	return err
}
