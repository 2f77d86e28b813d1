package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// runFile is the on-disk shape of a run submission. YAML, TOML and JSON
// share the same keys.
type runFile struct {
	Username string                 `yaml:"username" toml:"username" json:"username"`
	Priority int                    `yaml:"priority" toml:"priority" json:"priority"`
	NumGames int                    `yaml:"num_games" toml:"num_games" json:"num_games"`
	Threads  int                    `yaml:"threads" toml:"threads" json:"threads"`
	Elo0     float64                `yaml:"elo0" toml:"elo0" json:"elo0"`
	Elo1     float64                `yaml:"elo1" toml:"elo1" json:"elo1"`
	Alpha    float64                `yaml:"alpha" toml:"alpha" json:"alpha"`
	Beta     float64                `yaml:"beta" toml:"beta" json:"beta"`
	Info     string                 `yaml:"info" toml:"info" json:"info"`
	Args     map[string]interface{} `yaml:"args" toml:"args" json:"args"`
}

func defaultRunFile() runFile {
	return runFile{
		Threads: 1,
		Elo0:    0,
		Elo1:    2,
		Alpha:   0.05,
		Beta:    0.05,
	}
}

// loadRunFile decodes a run description, picking the format from the file
// extension.
func loadRunFile(path string) (domain.RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RunConfig{}, err
	}
	return parseRunFile(data, filepath.Ext(path))
}

func parseRunFile(data []byte, ext string) (domain.RunConfig, error) {
	rf := defaultRunFile()
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rf)
	case ".toml":
		err = toml.Unmarshal(data, &rf)
	case ".json":
		err = json.Unmarshal(data, &rf)
	default:
		return domain.RunConfig{}, fmt.Errorf("unsupported run file extension %q", ext)
	}
	if err != nil {
		return domain.RunConfig{}, fmt.Errorf("parsing run file: %w", err)
	}
	return rf.toConfig()
}

func (rf runFile) toConfig() (domain.RunConfig, error) {
	cfg := domain.RunConfig{
		Username: rf.Username,
		Priority: rf.Priority,
		NumGames: rf.NumGames,
		Threads:  rf.Threads,
		Elo0:     rf.Elo0,
		Elo1:     rf.Elo1,
		Alpha:    rf.Alpha,
		Beta:     rf.Beta,
		Info:     rf.Info,
	}
	if len(rf.Args) > 0 {
		args, err := json.Marshal(rf.Args)
		if err != nil {
			return domain.RunConfig{}, fmt.Errorf("encoding args: %w", err)
		}
		cfg.Args = args
	}
	return cfg, nil
}
