package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	BridgeEngineName = "bridge"

	envBridgeModelPath = "EMBEDQ_ENGINE_MODEL_PATH"
	envBridgeCommand   = "EMBEDQ_ENGINE_COMMAND"
)

type BridgeEngineConfig struct {
	// Command is split on whitespace, e.g. "python -m clip_bridge".
	Command   string
	ModelPath string
	Dimension int
}

// BridgeEngine runs an external model process once per batch. The request
// goes to its stdin as JSON and the reply is read from stdout.
type BridgeEngine struct {
	command   []string
	modelPath string
	modelSize int64
	dim       int
}

type bridgeItem struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Image []byte `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type bridgeRequest struct {
	ModelPath string       `json:"model_path"`
	Dimension int          `json:"dimension"`
	Items     []bridgeItem `json:"items"`
}

type bridgeResult struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	Aesthetic float32   `json:"aesthetic"`
	Error     string    `json:"error,omitempty"`
}

type bridgeResponse struct {
	Results []bridgeResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

type bridgeRunFn func(ctx context.Context, command []string, request bridgeRequest) (bridgeResponse, error)

var runBridge bridgeRunFn = defaultRunBridge

func NewBridgeEngine(cfg BridgeEngineConfig) (*BridgeEngine, error) {
	resolvedPath, err := resolveModelPath(cfg.ModelPath, envBridgeModelPath, "model artifact")
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(resolvedPath)
	if statErr != nil {
		return nil, fmt.Errorf("failed to stat model artifact %q: %w", resolvedPath, statErr)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("model artifact path %q is a directory", resolvedPath)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("model artifact path %q is empty", resolvedPath)
	}
	rawCommand := cfg.Command
	if strings.TrimSpace(rawCommand) == "" {
		rawCommand = os.Getenv(envBridgeCommand)
	}
	command := parseBridgeCommand(rawCommand)
	dim := cfg.Dimension
	if dim == 0 {
		dim = DefaultEmbeddingDimension
	}
	if dim < 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0, got %d", dim)
	}
	return &BridgeEngine{
		command:   command,
		modelPath: resolvedPath,
		modelSize: info.Size(),
		dim:       dim,
	}, nil
}

func (e *BridgeEngine) Name() string {
	return BridgeEngineName
}

func (e *BridgeEngine) Warmup(_ context.Context) error {
	if len(e.command) == 0 {
		return fmt.Errorf(
			"%w: bridge command is not configured; set engine.command or %s",
			ErrEngineUnavailable,
			envBridgeCommand,
		)
	}
	if _, err := exec.LookPath(e.command[0]); err != nil {
		return fmt.Errorf("%w: bridge command %q: %w", ErrEngineUnavailable, e.command[0], err)
	}
	return nil
}

func (e *BridgeEngine) Infer(ctx context.Context, batch PartitionedBatch) (BatchOutput, error) {
	if len(e.command) == 0 {
		return BatchOutput{}, fmt.Errorf("%w: bridge command is not configured", ErrEngineUnavailable)
	}
	request := bridgeRequest{
		ModelPath: e.modelPath,
		Dimension: e.dim,
		Items:     make([]bridgeItem, 0, batch.Len()),
	}
	for _, task := range batch.Images {
		request.Items = append(request.Items, bridgeItem{ID: task.ID, Kind: KindImage, Image: task.Image})
	}
	for _, task := range batch.Texts {
		request.Items = append(request.Items, bridgeItem{ID: task.ID, Kind: KindText, Text: task.Text})
	}

	response, err := runBridge(ctx, e.command, request)
	if err != nil {
		return BatchOutput{}, fmt.Errorf("bridge inference failed: %w", err)
	}
	byID := make(map[string]bridgeResult, len(response.Results))
	for _, result := range response.Results {
		byID[result.ID] = result
	}
	if len(byID) == 0 && len(request.Items) != 0 {
		return BatchOutput{}, fmt.Errorf("%w: bridge returned no results", ErrEngineProtocol)
	}
	return BatchOutput{
		Images: e.mapOutputs(batch.Images, byID),
		Texts:  e.mapOutputs(batch.Texts, byID),
	}, nil
}

func (e *BridgeEngine) mapOutputs(tasks []Task, byID map[string]bridgeResult) []Output {
	outputs := make([]Output, len(tasks))
	for idx, task := range tasks {
		result, ok := byID[task.ID]
		switch {
		case !ok:
			outputs[idx] = Output{Err: fmt.Errorf("%w: bridge response missing id=%q", ErrEngineProtocol, task.ID)}
		case strings.TrimSpace(result.Error) != "":
			outputs[idx] = Output{Err: fmt.Errorf("%w: %s", ErrEngineInference, strings.TrimSpace(result.Error))}
		case len(result.Embedding) != e.dim:
			outputs[idx] = Output{Err: fmt.Errorf(
				"%w: bridge returned %d dims for id=%q, want %d",
				ErrEngineProtocol,
				len(result.Embedding),
				task.ID,
				e.dim,
			)}
		default:
			outputs[idx] = Output{Embedding: result.Embedding, Aesthetic: result.Aesthetic}
		}
	}
	return outputs
}

func (e *BridgeEngine) Close() error {
	if e == nil {
		return errors.New("engine is nil")
	}
	return nil
}

func parseBridgeCommand(raw string) []string {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil
	}
	return parts
}

func defaultRunBridge(ctx context.Context, command []string, request bridgeRequest) (bridgeResponse, error) {
	if len(command) == 0 {
		return bridgeResponse{}, fmt.Errorf("%w: bridge command is not configured", ErrEngineUnavailable)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("%w: failed to encode bridge request: %w", ErrEngineProtocol, err)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bridgeResponse{}, ctxErr
		}
		class := ErrEngineInference
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			class = ErrEngineUnavailable
		}
		if errText := strings.TrimSpace(stderr.String()); errText != "" {
			return bridgeResponse{}, fmt.Errorf("%w: bridge command failed: %w: %s", class, runErr, errText)
		}
		return bridgeResponse{}, fmt.Errorf("%w: bridge command failed: %w", class, runErr)
	}
	var decoded bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return bridgeResponse{}, fmt.Errorf("%w: failed to decode bridge response: %w", ErrEngineProtocol, err)
	}
	if msg := strings.TrimSpace(decoded.Error); msg != "" {
		return bridgeResponse{}, fmt.Errorf("%w: bridge runtime error: %s", ErrEngineInference, msg)
	}
	return decoded, nil
}

func resolveModelPath(value string, envVar string, label string) (string, error) {
	candidate := value
	if candidate == "" {
		candidate = os.Getenv(envVar)
	}
	candidate = filepath.Clean(candidate)
	if candidate == "" || candidate == "." {
		return "", fmt.Errorf("%s path is required (config or %s)", label, envVar)
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path %q: %w", label, candidate, err)
	}
	return absPath, nil
}
