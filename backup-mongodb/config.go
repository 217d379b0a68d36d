package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adflex/db-backup/go/schedule"
	"gopkg.in/yaml.v3"
)

// Resume strategy methods supported for a collection.
const (
	methodObjectID  = "object_id"
	methodDateDelta = "date_delta"
)

// defaultDateField is the document field consulted by the date_delta
// strategy when the collection config does not override it.
const defaultDateField = "date"

// resumeStrategy describes how to select the documents of a collection that
// still need copying when a backup pass starts. A nil strategy copies the
// whole collection every pass.
type resumeStrategy struct {
	Method string `yaml:"method"`
	// Unit and Value describe the trailing window for "date_delta": Value
	// counts of Unit ("days", "weeks" or "months") back from today.
	Unit  string `yaml:"unit,omitempty"`
	Value int    `yaml:"value,omitempty"`
	// Field overrides the date field used by "date_delta".
	Field string `yaml:"field,omitempty"`
}

func (s *resumeStrategy) validate() error {
	switch s.Method {
	case methodObjectID:
		return nil
	case methodDateDelta:
		if _, err := windowDelta(s.Unit, s.Value); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid resume method %q", s.Method)
	}
}

func (s *resumeStrategy) dateField() string {
	if s.Field != "" {
		return s.Field
	}
	return defaultDateField
}

type config struct {
	SourceDB      string                     `yaml:"source_db"`
	DestinationDB string                     `yaml:"destination_db"`
	Rate          int                        `yaml:"rate"`
	Stop          bool                       `yaml:"stop"`
	WritePolicy   writePolicy                `yaml:"write_policy,omitempty"`
	PollSchedule  string                     `yaml:"poll_schedule,omitempty"`
	Collections   map[string]*resumeStrategy `yaml:"collections"`
}

func (c *config) Validate() error {
	var requiredProperties = [][]string{
		{"source_db", c.SourceDB},
		{"destination_db", c.DestinationDB},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}

	if c.Rate <= 0 {
		return fmt.Errorf("rate must be a positive number of documents per second, got %d", c.Rate)
	}

	for _, uri := range []string{c.SourceDB, c.DestinationDB} {
		if _, err := databaseName(uri); err != nil {
			return err
		}
	}

	if err := c.WritePolicy.validate(); err != nil {
		return err
	}

	if c.PollSchedule != "" {
		if err := schedule.Validate(c.PollSchedule); err != nil {
			return fmt.Errorf("invalid poll_schedule %q: %w", c.PollSchedule, err)
		}
	}

	for name, strategy := range c.Collections {
		if strategy == nil {
			continue
		}
		if err := strategy.validate(); err != nil {
			return fmt.Errorf("collection %q: %w", name, err)
		}
	}

	return nil
}

func (c *config) policy() writePolicy {
	if c.WritePolicy != "" {
		return c.WritePolicy
	}
	return writePolicySuppress
}

// databaseName extracts the database name from a connection string of the
// form scheme://[user[:pass]@]host/databaseName.
func databaseName(uri string) (string, error) {
	idx := strings.LastIndex(uri, "/")
	if idx == -1 || idx == len(uri)-1 {
		return "", fmt.Errorf("connection string %q does not name a database", uri)
	}
	return uri[idx+1:], nil
}

func defaultConfig() config {
	return config{
		SourceDB:      "mongodb://localhost/test_db",
		DestinationDB: "mongodb://localhost/dest_db",
		Rate:          60000,
		Stop:          false,
		Collections:   map[string]*resumeStrategy{},
	}
}

// readConfig loads and validates the YAML config file at path. A missing
// file is first created with default contents so that a fresh install has a
// template to edit.
func readConfig(path string) (config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		contents, err := yaml.Marshal(defaultConfig())
		if err != nil {
			return config{}, fmt.Errorf("encoding default config: %w", err)
		}
		if err := os.WriteFile(path, contents, 0o644); err != nil {
			return config{}, fmt.Errorf("creating default config file: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	var cfg config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("invalid YAML syntax in %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return config{}, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}
