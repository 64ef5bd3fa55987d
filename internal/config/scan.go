package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona represents a persona.
type Persona struct {
	Name         string `yaml:"name"`
	Voice        string `yaml:"voice"`
	Greeting     string `yaml:"greeting"`
	Instructions string `yaml:"instructions"`
}

// PersonaFileInfo represents a personaFileInfo.
type PersonaFileInfo struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
}

type personaFilePayload struct {
	Persona Persona `yaml:"persona"`
}

// ScanPersonaFiles executes the scanPersonaFiles function.
func ScanPersonaFiles(personasDir string) []PersonaFileInfo {
	personas := []PersonaFileInfo{}
	if personasDir == "" {
		return personas
	}

	_ = filepath.WalkDir(personasDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".yaml") {
			return nil
		}
		persona, err := ReadPersona(path)
		name := d.Name()
		if err == nil && persona.Name != "" {
			name = persona.Name
		}
		personas = append(personas, PersonaFileInfo{Filename: d.Name(), Name: name})
		return nil
	})

	return personas
}

// ReadPersona executes the readPersona function.
func ReadPersona(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, err
	}
	var payload personaFilePayload
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return Persona{}, err
	}
	if payload.Persona.Name == "" {
		payload.Persona.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	return payload.Persona, nil
}

// ApplyPersona overlays a persona onto the session configuration.
func ApplyPersona(cfg *Config, persona Persona) {
	if cfg == nil {
		return
	}
	if persona.Voice != "" {
		cfg.Session.Voice = persona.Voice
	}
	if persona.Greeting != "" {
		cfg.Session.Greeting = persona.Greeting
	}
	if persona.Instructions != "" {
		cfg.Session.Instructions = persona.Instructions
	}
}
