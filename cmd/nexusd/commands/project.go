package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/nexus/pkg/kubernetes"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(newProjectCreateCommand())
	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Long:  `Create a project that clusters can be created in. The ID is generated unless --id is given.`,
		Example: `  nexusd project create staging
  nexusd project create staging --id 5f0c6a8e-5c43-4d7e-9a55-1f1f0b6c1e21`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close()

			if id == "" {
				id = uuid.New().String()
			}
			p := &kubernetes.Project{ID: id, Name: args[0], CreatedAt: time.Now()}
			if err := a.store.CreateProject(ctx, p); err != nil {
				return err
			}

			log.Info().Str("project_id", p.ID).Str("name", p.Name).Msg("Project created")
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Println(p.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "project ID")
	return cmd
}
