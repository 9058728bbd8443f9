package main

import (
	"errors"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"deployagent/internal/deployment"
	"deployagent/internal/status"
)

var (
	deployClean    bool
	deployDeployer string
)

var deployCmd = &cobra.Command{
	Use:   "deploy PROJECT [REVISION]",
	Short: "Deploy a revision of a site",
	Long: `Deploy a revision of a site and wait for the outcome.

Without a revision the site branch is fetched and its tip deployed. A revision
may be any commit the site repository already has, full or abbreviated,
including an earlier deployment. The record is kept under the full revision.

Examples:
  deployagent deploy mysite
  deployagent deploy mysite 3f2c9a1 --clean`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDeploy,
}

var restoreCmd = &cobra.Command{
	Use:   "restore PROJECT",
	Short: "Redeploy the previous successful deployment",
	Long: `Redeploy the most recent successful deployment other than the active one.

Example:
  deployagent restore mysite`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	deployCmd.Flags().BoolVar(&deployClean, "clean", false, "remove untracked files from the repository before building")
	deployCmd.Flags().StringVar(&deployDeployer, "deployer", "", "name recorded as the deployer (default: current user)")
	restoreCmd.Flags().StringVar(&deployDeployer, "deployer", "", "name recorded as the deployer (default: current user)")
}

func deployer() string {
	if deployDeployer != "" {
		return deployDeployer
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "CLI"
}

func runDeploy(cmd *cobra.Command, args []string) error {
	site, err := openSite(args[0])
	if err != nil {
		return err
	}
	defer site.Close()
	dm := site.agent.Deployments()

	var rec *status.File
	if len(args) == 2 {
		rec, err = dm.Redeploy(cmd.Context(), args[1], deployer(), deployClean)
		if err != nil {
			return deployError(err)
		}
	} else {
		res, err := dm.Fetch(cmd.Context(), deployment.FetchRequest{Deployer: deployer()})
		if err != nil {
			return err
		}
		if res.Queued {
			return fmt.Errorf("site %s is busy with another deployment, try again later", args[0])
		}
		dm.Wait()

		// The fetch reports through its record, which is the newest one.
		latest, err := dm.Deployments()
		if err != nil {
			return err
		}
		if len(latest) > 0 {
			rec = latest[0]
		}
	}

	return report(cmd, rec)
}

func runRestore(cmd *cobra.Command, args []string) error {
	site, err := openSite(args[0])
	if err != nil {
		return err
	}
	defer site.Close()

	previous := site.agent.Deployments().Active()
	rec, err := site.agent.Deployments().Rollback(cmd.Context(), deployer())
	if err != nil {
		return deployError(err)
	}
	if previous != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Previous: %s\n", previous.ID)
	}
	return report(cmd, rec)
}

func deployError(err error) error {
	switch {
	case errors.Is(err, deployment.ErrConflict):
		return fmt.Errorf("another deployment is in progress: %w", err)
	case errors.Is(err, deployment.ErrNotFound):
		return fmt.Errorf("nothing to deploy: %w", err)
	}
	return err
}

func report(cmd *cobra.Command, rec *status.File) error {
	if rec == nil {
		return fmt.Errorf("no deployment was recorded")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Deployment %s: %s\n", rec.ID, rec.Status)
	if rec.Message != "" {
		fmt.Fprintf(out, "  Message:  %s\n", rec.Message)
	}
	if rec.AuthorName != "" {
		fmt.Fprintf(out, "  Author:   %s\n", rec.AuthorName)
	}
	if rec.Status == status.Failed {
		return fmt.Errorf("deployment %s failed: %s", rec.ID, rec.StatusText)
	}
	return nil
}
