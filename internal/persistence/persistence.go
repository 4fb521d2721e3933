// Package persistence stores run reports, with pluggable serialization and
// destination.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/runner"
)

const (
	indent = "    "
	prefix = ""
)

var ErrReportNotFound = errors.New("report not found")

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// WriteJSONToFile persists data to filename using the provided Serializer and Writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// ReportStore keeps one JSON report per finished run under Dir, named
// <run id>.json. Reports carry the target key only, never credentials.
type ReportStore struct {
	Dir        string
	Serializer Serializer
	Writer     Writer
	Logger     lg.Logger
}

func NewReportStore(dir string, logger lg.Logger) *ReportStore {
	return &ReportStore{
		Dir:        dir,
		Serializer: JSONSerializer{Prefix: prefix, Indent: indent},
		Writer:     FileWriter{Overwrite: true},
		Logger:     lg.OrDiscard(logger),
	}
}

func (s *ReportStore) path(id uuid.UUID) string {
	return filepath.Join(s.Dir, id.String()+".json")
}

func (s *ReportStore) Save(status runner.Status) error {
	return WriteJSONToFile(status, s.path(status.ID), s.Serializer, s.Writer)
}

// Record saves the report of a finished run, logging failures. It fits
// runner.Config.OnFinish.
func (s *ReportStore) Record(run *runner.Run) {
	if err := s.Save(run.Status(true)); err != nil {
		lg.OrDiscard(s.Logger).Error("failed to save run report", lg.String("run", run.ID.String()), lg.Err(err))
	}
}

func (s *ReportStore) Load(id uuid.UUID) (runner.Status, error) {
	var status runner.Status
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return status, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("decode report %s: %w", id, err)
	}
	return status, nil
}
