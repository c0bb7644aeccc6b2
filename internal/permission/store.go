package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// postgres driver
	_ "github.com/lib/pq"
)

// ErrProjectNotFound is returned by stores for unknown project ids.
var ErrProjectNotFound = errors.New("permission: project not found")

// Project is the slice of a project the gate needs.
type Project struct {
	ID        int64   `json:"id" validate:"gt=0"`
	OwnerID   *int64  `json:"owner_id"`
	MemberIDs []int64 `json:"member_ids" validate:"dive,gt=0"`
}

// HasMember reports whether userID is in the member set.
func (p Project) HasMember(userID int64) bool {
	for _, id := range p.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ProjectStore looks projects up. Implementations may block on I/O.
type ProjectStore interface {
	FindProject(ctx context.Context, projectID int64) (Project, error)
}

// MemoryStore is an in-process ProjectStore.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[int64]Project
}

// NewMemoryStore returns a MemoryStore seeded with projects.
func NewMemoryStore(projects ...Project) *MemoryStore {
	s := &MemoryStore{projects: make(map[int64]Project, len(projects))}
	for _, p := range projects {
		s.Put(p)
	}
	return s
}

// Put inserts or replaces a project.
func (s *MemoryStore) Put(p Project) {
	p.MemberIDs = append([]int64(nil), p.MemberIDs...)
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
}

// AddMember adds userID to an existing project.
func (s *MemoryStore) AddMember(projectID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrProjectNotFound
	}
	if !p.HasMember(userID) {
		p.MemberIDs = append(p.MemberIDs, userID)
		s.projects[projectID] = p
	}
	return nil
}

// FindProject implements ProjectStore.
func (s *MemoryStore) FindProject(ctx context.Context, projectID int64) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrProjectNotFound
	}
	p.MemberIDs = append([]int64(nil), p.MemberIDs...)
	return p, nil
}

const (
	selectProjectOwner   = `SELECT owner_id FROM tracker_project WHERE id = $1`
	selectProjectMembers = `SELECT user_id FROM tracker_project_members WHERE project_id = $1`
)

// PostgresStore reads projects from the bug tracker's relational schema.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a lib/pq connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// FindProject implements ProjectStore.
func (s *PostgresStore) FindProject(ctx context.Context, projectID int64) (Project, error) {
	var owner sql.NullInt64
	err := s.db.QueryRowContext(ctx, selectProjectOwner, projectID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("select project %d: %w", projectID, err)
	}

	p := Project{ID: projectID}
	if owner.Valid {
		ownerID := owner.Int64
		p.OwnerID = &ownerID
	}

	rows, err := s.db.QueryContext(ctx, selectProjectMembers, projectID)
	if err != nil {
		return Project{}, fmt.Errorf("select members of project %d: %w", projectID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return Project{}, fmt.Errorf("scan member of project %d: %w", projectID, err)
		}
		p.MemberIDs = append(p.MemberIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return Project{}, fmt.Errorf("iterate members of project %d: %w", projectID, err)
	}
	return p, nil
}
