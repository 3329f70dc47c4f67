package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/nexus/pkg/config"
	"github.com/openfroyo/nexus/pkg/kubernetes"
)

func newClusterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage Kubernetes clusters",
	}
	cmd.AddCommand(newClusterCreateCommand())
	return cmd
}

func newClusterCreateCommand() *cobra.Command {
	var (
		file string
		vars []string
		req  kubernetes.ClusterRequest
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a Kubernetes cluster",
		Long: `Assemble a Kubernetes cluster strand. The request comes from flags or from
a YAML file or Starlark script given with --file. A script reads --var
values from the predeclared dict vars and must define cluster.

The strand runs on the next dispatcher poll of nexusd serve.`,
		Example: `  # From flags
  nexusd cluster create --project $PROJECT --name prod --version v1.32 --nodes 3

  # From a Starlark script
  nexusd cluster create --file cluster.star --var project=$PROJECT --var env=prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if file != "" {
				values, err := parseVars(vars)
				if err != nil {
					return err
				}
				loaded, err := config.LoadClusterRequest(ctx, file, values)
				if err != nil {
					return err
				}
				req = *loaded
			}

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close()

			if req.Location == "" {
				req.Location = a.cfg.Kubernetes.Location
			}

			st, err := a.cluster.Assemble(ctx, req)
			if err != nil {
				return err
			}

			log.Info().Str("cluster_id", st.ID).Str("name", req.Name).Msg("Cluster assembled")
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Println(st.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (.yaml or .star)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "script variable as key=value (repeatable)")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project ID")
	cmd.Flags().StringVar(&req.Name, "name", "", "cluster name")
	cmd.Flags().StringVar(&req.Version, "version", kubernetes.SupportedVersions[0], "Kubernetes version")
	cmd.Flags().StringVar(&req.Location, "location", "", "location (defaults to kubernetes.location)")
	cmd.Flags().IntVar(&req.CPNodeCount, "nodes", 3, "control plane node count")
	cmd.MarkFlagsMutuallyExclusive("file", "project")
	cmd.MarkFlagsMutuallyExclusive("file", "name")

	return cmd
}

// parseVars splits key=value pairs.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", pair)
		}
		vars[k] = v
	}
	return vars, nil
}
