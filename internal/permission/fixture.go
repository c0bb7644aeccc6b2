package permission

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
)

// LoadProjects reads a JSON array of projects, the format used to seed a
// MemoryStore when no database is configured:
//
//	[{"id": 7, "owner_id": 1, "member_ids": [2, 3]}]
func LoadProjects(r io.Reader) ([]Project, error) {
	var projects []Project
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&projects); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}

	validate := validator.New()
	for i, p := range projects {
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("project %d: %w", i, err)
		}
	}
	return projects, nil
}

// LoadProjectsFile opens path and hands it to LoadProjects.
func LoadProjectsFile(path string) ([]Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadProjects(f)
}
