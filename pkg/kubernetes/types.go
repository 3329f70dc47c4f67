package kubernetes

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// SupportedVersions lists the Kubernetes versions clusters may be created
// with, newest first.
var SupportedVersions = []string{"v1.32", "v1.31"}

// IsSupportedVersion reports whether version can be used for a new cluster.
func IsSupportedVersion(version string) bool {
	return slices.Contains(SupportedVersions, version)
}

// Project owns clusters and load balancers.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Cluster is a managed Kubernetes cluster.
type Cluster struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,max=63"`
	Version     string `json:"version" validate:"required"`
	Location    string `json:"location" validate:"required"`
	CPNodeCount int    `json:"cp_node_count" validate:"gt=0"`
	ProjectID   string `json:"project_id" validate:"required"`

	// APIServerLBID is the load balancer in front of the API servers,
	// created by the cluster program.
	APIServerLBID string `json:"api_server_lb_id,omitempty"`

	// CPVMIDs are the control plane VMs in creation order.
	CPVMIDs   []string  `json:"cp_vm_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// ClusterRequest asks for a new cluster.
type ClusterRequest struct {
	ProjectID   string `json:"project_id" yaml:"project_id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Location    string `json:"location" yaml:"location"`
	CPNodeCount int    `json:"cp_node_count" yaml:"cp_node_count"`
}

var displayLocations = map[string]string{
	"hetzner-fsn1":   "eu-central-h1",
	"hetzner-hel1":   "eu-north-h1",
	"leaseweb-wdc02": "us-east-a2",
}

// DisplayLocation returns the public name of a provider location.
func DisplayLocation(location string) string {
	if name, ok := displayLocations[location]; ok {
		return name
	}
	return location
}

// DisplayLocation returns the public name of the cluster location.
func (c *Cluster) DisplayLocation() string {
	return DisplayLocation(c.Location)
}

// Path returns the resource path of the cluster.
func (c *Cluster) Path() string {
	return fmt.Sprintf("/location/%s/kubernetes-cluster/%s", c.DisplayLocation(), c.Name)
}

// APIServerLBName returns the name of the API server load balancer.
func (c *Cluster) APIServerLBName() string {
	return c.Name + "-apiserver"
}

// Repository persists projects and clusters.
type Repository interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	CreateCluster(ctx context.Context, c *Cluster) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	SetAPIServerLB(ctx context.Context, clusterID, lbID string) error

	// AddCPVM records vmID as a control plane node of the cluster.
	AddCPVM(ctx context.Context, clusterID, vmID string) error

	// DeleteCluster removes the cluster and its control plane memberships.
	DeleteCluster(ctx context.Context, id string) error
}
