// Package config loads the server's YAML config. The file is checked
// against an embedded JSON schema before it is decoded, and anything it
// leaves out takes the defaults below.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/distribution"
	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/persistence"
	"voxelstream.ai/internal/persistence/mirror"
	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/session"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Listen       string       `yaml:"listen"`
	DataDir      string       `yaml:"data_dir"`
	Log          Log          `yaml:"log"`
	Tree         Tree         `yaml:"tree"`
	Jurisdiction Jurisdiction `yaml:"jurisdiction"`
	Distribution Distribution `yaml:"distribution"`
	Ingest       Ingest       `yaml:"ingest"`
	Persistence  Persistence  `yaml:"persistence"`
	Mirror       Mirror       `yaml:"mirror"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Tree struct {
	Scale float64 `yaml:"scale"`
}

// Jurisdiction limits the served region. Codes are hex strings; an empty
// root serves everything.
type Jurisdiction struct {
	Root     string   `yaml:"root"`
	EndNodes []string `yaml:"end_nodes"`
}

type Distribution struct {
	Interval            time.Duration `yaml:"interval"`
	PacketsPerInterval  int           `yaml:"packets_per_interval"`
	MaxPacketSize       int           `yaml:"max_packet_size"`
	DuplicateWindow     time.Duration `yaml:"duplicate_window"`
	DiscardOnMove       bool          `yaml:"discard_on_move"`
	EnvironmentInterval time.Duration `yaml:"environment_interval"`
	OutboundQueue       int           `yaml:"outbound_queue"`
}

type Ingest struct {
	QueueSize int  `yaml:"queue_size"`
	AuditLog  bool `yaml:"audit_log"`
}

type Persistence struct {
	Interval    time.Duration `yaml:"interval"`
	File        string        `yaml:"file"`
	ArchiveKeep int           `yaml:"archive_keep"`
	Index       bool          `yaml:"index"`
}

type Mirror struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
}

func Default() Config {
	return Config{
		Listen:  ":8080",
		DataDir: "./data",
		Log:     Log{Level: "info"},
		Tree:    Tree{Scale: octree.DefaultScale},
		Distribution: Distribution{
			Interval:            distribution.DefaultInterval,
			PacketsPerInterval:  distribution.DefaultPacketsPerInterval,
			MaxPacketSize:       protocol.MaxPacketSize,
			DuplicateWindow:     session.DefaultDuplicateWindow,
			EnvironmentInterval: time.Second,
			OutboundQueue:       64,
		},
		Ingest: Ingest{QueueSize: ingest.DefaultQueueSize, AuditLog: true},
		Persistence: Persistence{
			Interval: persistence.DefaultInterval,
			File:     persistence.DefaultFile,
			Index:    true,
		},
		Mirror: Mirror{Region: "auto", Workers: 1, QueueSize: 64},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(raw)
}

// Parse validates raw YAML and decodes it over the defaults.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := validate(raw); err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	if _, err := cfg.Region(); err != nil {
		return cfg, fmt.Errorf("%w: jurisdiction: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config.yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	// The schema validator wants JSON types, so round-trip through JSON.
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config.yaml: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// Region turns the jurisdiction section into an octree.Region.
func (c Config) Region() (octree.Region, error) {
	var r octree.Region
	if c.Jurisdiction.Root == "" {
		if len(c.Jurisdiction.EndNodes) > 0 {
			return r, errors.New("end_nodes without root")
		}
		return r, nil
	}
	root, err := octree.ParseHexCode(c.Jurisdiction.Root)
	if err != nil {
		return r, fmt.Errorf("root: %w", err)
	}
	r.Root = root
	for _, s := range c.Jurisdiction.EndNodes {
		end, err := octree.ParseHexCode(s)
		if err != nil {
			return r, fmt.Errorf("end node %q: %w", s, err)
		}
		if !root.IsAncestorOf(end) {
			return r, fmt.Errorf("end node %q is outside root", s)
		}
		r.EndNodes = append(r.EndNodes, end)
	}
	return r, nil
}

// DistributionConfig maps the distribution section onto the worker config.
func (c Config) DistributionConfig(region octree.Region) distribution.Config {
	d := c.Distribution
	cfg := distribution.Config{
		Policy: distribution.BudgetPolicy{
			ServerPacketsPerInterval: d.PacketsPerInterval,
			Interval:                 d.Interval,
		},
		MaxPacketSize:       d.MaxPacketSize,
		DuplicateWindow:     d.DuplicateWindow,
		DiscardOnMove:       d.DiscardOnMove,
		EnvironmentInterval: d.EnvironmentInterval,
	}
	if !region.Unlimited() {
		cfg.Jurisdiction = region
	}
	return cfg
}

func (c Config) PersistenceConfig() persistence.Config {
	return persistence.Config{
		DataDir:     c.DataDir,
		File:        c.Persistence.File,
		Interval:    c.Persistence.Interval,
		ArchiveKeep: c.Persistence.ArchiveKeep,
	}
}

func (c Config) S3Config() mirror.S3Config {
	return mirror.S3Config{
		Endpoint:        c.Mirror.Endpoint,
		Region:          c.Mirror.Region,
		Bucket:          c.Mirror.Bucket,
		AccessKeyID:     c.Mirror.AccessKeyID,
		SecretAccessKey: c.Mirror.SecretAccessKey,
	}
}
