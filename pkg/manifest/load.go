package manifest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/agentkube/kubegraph/pkg/logger"
)

var manifestExtensions = map[string]struct{}{".yaml": {}, ".yml": {}, ".json": {}}

// Load reads every document of a YAML or JSON stream. Documents of kind
// List are flattened. It returns the number of objects added.
func (s *Store) Load(r io.Reader) (int, error) {
	objs, err := Decode(r)
	if err != nil {
		return 0, err
	}
	if err := s.Add(objs...); err != nil {
		return 0, err
	}
	return len(objs), nil
}

// LoadPaths loads files and, recursively, the manifest files of directories.
func (s *Store) LoadPaths(paths ...string) (int, error) {
	total := 0
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := manifestExtensions[strings.ToLower(filepath.Ext(path))]; !ok && path != root {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := s.Load(f)
			if err != nil {
				return errors.Wrapf(err, "loading %s", path)
			}
			logger.Log(logger.LevelDebug, map[string]string{"path": path, "objects": strconv.Itoa(n)}, nil, "loaded manifest")
			total += n
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Decode splits a stream into objects. Empty documents are skipped.
func Decode(r io.Reader) ([]*unstructured.Unstructured, error) {
	dec := yaml.NewDecoder(r)
	var objs []*unstructured.Unstructured
	for i := 0; ; i++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				return objs, nil
			}
			return nil, errors.Wrapf(err, "decoding document %d", i)
		}
		if node.Kind == 0 || (node.Kind == yaml.DocumentNode && len(node.Content) == 0) {
			continue
		}

		raw, err := yaml.Marshal(&node)
		if err != nil {
			return nil, errors.Wrapf(err, "re-encoding document %d", i)
		}
		data, err := sigsyaml.YAMLToJSON(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "converting document %d", i)
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			continue
		}

		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(data); err != nil {
			return nil, errors.Wrapf(err, "document %d", i)
		}
		if obj.IsList() {
			list, err := obj.ToList()
			if err != nil {
				return nil, errors.Wrapf(err, "document %d", i)
			}
			for j := range list.Items {
				objs = append(objs, &list.Items[j])
			}
			continue
		}
		objs = append(objs, obj)
	}
}
