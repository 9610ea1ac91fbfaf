package remediation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoDeployment is returned when the manifest has no matching Deployment.
	ErrNoDeployment = errors.New("no matching deployment in manifest")

	// ErrNoImage is returned when the first container has no image.
	ErrNoImage = errors.New("no container image in deployment")

	// ErrNoTag is returned when every allowed tag is already deployed.
	ErrNoTag = errors.New("no allowed tag to roll to")
)

// ManifestAction remediates by rolling the first container image of a
// Kubernetes Deployment manifest to the next allowed tag. A GitOps
// controller watching the file does the rest.
type ManifestAction struct {
	logger *zap.Logger
	path   string
	tags   []string
	mu     sync.Mutex
}

// NewManifestAction rotates between tags in the manifest at path.
func NewManifestAction(path string, tags []string, logger *zap.Logger) *ManifestAction {
	return &ManifestAction{path: path, tags: tags, logger: logger}
}

// Attempt rewrites the image of the Deployment named target, or of the first
// Deployment when target is empty.
func (a *ManifestAction) Attempt(ctx context.Context, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := os.Stat(a.path)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	docs, err := decodeDocuments(data)
	if err != nil {
		return err
	}

	image, err := findImage(docs, target)
	if err != nil {
		return err
	}
	tag, ok := nextTag(image.Value, a.tags)
	if !ok {
		return fmt.Errorf("%w: image %s, allowed %v", ErrNoTag, image.Value, a.tags)
	}
	previous := image.Value
	image.Value = withTag(image.Value, tag)

	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := encodeDocuments(docs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.path, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	a.logger.Info("deployment image rolled",
		zap.String("target", target),
		zap.String("from", previous),
		zap.String("to", image.Value),
	)
	return nil
}

func decodeDocuments(data []byte) ([]*yaml.Node, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []*yaml.Node
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		if doc.Kind == 0 {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

func encodeDocuments(docs []*yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode manifest: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// findImage returns the scalar node holding spec.template.spec.containers[0].image.
func findImage(docs []*yaml.Node, target string) (*yaml.Node, error) {
	for _, doc := range docs {
		root := doc
		if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
			root = root.Content[0]
		}
		if kind := child(root, "kind"); kind == nil || kind.Value != "Deployment" {
			continue
		}
		if target != "" {
			name := child(child(root, "metadata"), "name")
			if name == nil || name.Value != target {
				continue
			}
		}
		containers := child(child(child(child(root, "spec"), "template"), "spec"), "containers")
		if containers == nil || containers.Kind != yaml.SequenceNode || len(containers.Content) == 0 {
			return nil, ErrNoImage
		}
		image := child(containers.Content[0], "image")
		if image == nil || image.Kind != yaml.ScalarNode || image.Value == "" {
			return nil, ErrNoImage
		}
		return image, nil
	}
	if target != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoDeployment, target)
	}
	return nil, ErrNoDeployment
}

func child(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// nextTag picks the first allowed tag the image is not already running.
func nextTag(image string, allowed []string) (string, bool) {
	current := tagOf(image)
	for _, t := range allowed {
		if t != "" && t != current {
			return t, true
		}
	}
	return "", false
}

// tagOf ignores a registry port such as host:5000/app.
func tagOf(image string) string {
	i := strings.LastIndex(image, ":")
	if i < 0 || i < strings.LastIndex(image, "/") {
		return ""
	}
	return image[i+1:]
}

func withTag(image, tag string) string {
	if current := tagOf(image); current != "" {
		image = strings.TrimSuffix(image, ":"+current)
	}
	return image + ":" + tag
}
