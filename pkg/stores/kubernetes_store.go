package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/kubernetes"
)

var _ kubernetes.Repository = (*SQLiteStore)(nil)

// CreateProject inserts a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *kubernetes.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, toMillis(p.CreatedAt))
	if isUniqueViolation(err) {
		return engine.NewConflictError("project already exists", err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// EnsureProject creates the project unless it already exists.
func (s *SQLiteStore) EnsureProject(ctx context.Context, p *kubernetes.Project) error {
	err := s.CreateProject(ctx, p)
	if engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		return nil
	}
	return err
}

// GetProject loads a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*kubernetes.Project, error) {
	var (
		p         kubernetes.Project
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// CreateCluster inserts a cluster.
func (s *SQLiteStore) CreateCluster(ctx context.Context, c *kubernetes.Cluster) error {
	return s.createCluster(ctx, s.db, c)
}

// CreateClusterWithStrand inserts a cluster and its strand in one
// transaction.
func (s *SQLiteStore) CreateClusterWithStrand(ctx context.Context, c *kubernetes.Cluster, st *engine.Strand) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.createCluster(ctx, tx, c); err != nil {
			return err
		}
		return s.createStrand(ctx, tx, st)
	})
}

func (s *SQLiteStore) createCluster(ctx context.Context, db execer, c *kubernetes.Cluster) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO kubernetes_clusters (id, name, version, location, cp_node_count, project_id, api_server_lb_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Version, c.Location, c.CPNodeCount, c.ProjectID, nullString(c.APIServerLBID), toMillis(c.CreatedAt))
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("cluster %q already exists", c.Name), err).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	if isForeignKeyViolation(err) {
		return engine.NewPermanentError("no existing project", err).
			WithCode(engine.ErrCodeNoProject).
			WithResource(c.ProjectID)
	}
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

// GetCluster loads a cluster and its control plane VM IDs.
func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*kubernetes.Cluster, error) {
	var (
		c         kubernetes.Cluster
		lbID      sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, location, cp_node_count, project_id, api_server_lb_id, created_at
		FROM kubernetes_clusters WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.Version, &c.Location, &c.CPNodeCount, &c.ProjectID, &lbID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("kubernetes cluster", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	c.APIServerLBID = lbID.String
	c.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT vm_id FROM kubernetes_cluster_cp_vms WHERE cluster_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list control plane vms: %w", err)
	}
	defer rows.Close()

	c.CPVMIDs = []string{}
	for rows.Next() {
		var vmID string
		if err := rows.Scan(&vmID); err != nil {
			return nil, fmt.Errorf("failed to scan control plane vm: %w", err)
		}
		c.CPVMIDs = append(c.CPVMIDs, vmID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating control plane vms: %w", err)
	}
	return &c, nil
}

// SetAPIServerLB records the API server load balancer of a cluster.
func (s *SQLiteStore) SetAPIServerLB(ctx context.Context, clusterID, lbID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kubernetes_clusters SET api_server_lb_id = ? WHERE id = ?`, lbID, clusterID)
	if err != nil {
		return fmt.Errorf("failed to set api server load balancer: %w", err)
	}
	return expectOne(res, "kubernetes cluster", clusterID)
}

// AddCPVM appends vmID to the control plane of a cluster.
func (s *SQLiteStore) AddCPVM(ctx context.Context, clusterID, vmID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kubernetes_cluster_cp_vms (cluster_id, vm_id, position)
		VALUES (?, ?, (SELECT COUNT(*) FROM kubernetes_cluster_cp_vms WHERE cluster_id = ?))
	`, clusterID, vmID, clusterID)
	if isUniqueViolation(err) {
		return nil
	}
	if isForeignKeyViolation(err) {
		return engine.NewNotFoundError("kubernetes cluster", clusterID)
	}
	if err != nil {
		return fmt.Errorf("failed to add control plane vm: %w", err)
	}
	return nil
}

// DeleteCluster removes a cluster; control plane memberships cascade.
func (s *SQLiteStore) DeleteCluster(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kubernetes_clusters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	return expectOne(res, "kubernetes cluster", id)
}
