package shipper

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rubbs14/shipper/pkg/builder"
	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/executor"
	"github.com/rubbs14/shipper/pkg/models"
	"github.com/rubbs14/shipper/pkg/pipeline"
	"github.com/rubbs14/shipper/pkg/publisher"
	"github.com/rubbs14/shipper/pkg/tester"
	"github.com/rubbs14/shipper/pkg/trigger"
	"github.com/rubbs14/shipper/pkg/utils"
)

var (
	pipelineFilePath string
	branch           string
	tag              string
	buildNumber      string
	authToken        string
	coverageToken    string
	isolation        string
	image            string
	envTool          string
	validate         *validator.Validate = validator.New(validator.WithRequiredStructEnabled())
)

var rootCmd = &cobra.Command{
	Use:   "shipper",
	Short: "Shipper is a minimal build-and-release pipeline",
	Long: `Shipper builds a versioned package artifact in an isolated environment,
verifies it with an isolated test run and, on a tagged release from the
release branch, publishes it to the package registry. The pipeline is
defined in a file ( default shipper.yml ).`,

	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&pipelineFilePath, "pipeline-file-path", "f", "shipper.yml", "Path to the pipeline file.")
	rootCmd.Flags().StringVarP(&branch, "branch", "b", "", "Branch that triggered the run. Defaults to the CI context or the local repository.")
	rootCmd.Flags().StringVarP(&tag, "tag", "g", "", "Tag that triggered the run, if any.")
	rootCmd.Flags().StringVarP(&buildNumber, "build-number", "n", "", "CI build counter.")
	rootCmd.Flags().StringVarP(&authToken, "auth-token", "t", os.Getenv("ANACONDA_TOKEN"), "Token for the package registry")
	rootCmd.Flags().StringVarP(&coverageToken, "coverage-token", "c", os.Getenv("CODECOV_TOKEN"), "Token for the coverage uploader")
	rootCmd.Flags().StringVarP(&isolation, "isolation", "i", "host", "Environment isolation backend: host or docker")
	rootCmd.Flags().StringVarP(&image, "image", "m", "docker.io/continuumio/miniconda3", "Image for docker isolation")
	rootCmd.Flags().StringVar(&envTool, "env-tool", "conda", "Program that creates environments and installs packages")

	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run() {
	ctx := context.Background()
	contents, err := os.ReadFile(filepath.Clean(pipelineFilePath))
	if err != nil {
		log.Fatal(err)
	}

	var pipelineFile models.PipelineFile
	err = yaml.Unmarshal(contents, &pipelineFile)
	if err != nil {
		log.Fatal(err)
	}

	err = validate.Struct(pipelineFile)
	if err != nil {
		log.Fatalf("Err(s):\n%+v\n", err)
	}

	if pipelineFile.Build.InstallRoot == "" {
		pipelineFile.Build.InstallRoot = os.Getenv("INSTALL_ROOT")
	}

	triggerContext := resolveTrigger(pipelineFile.Source)

	opts := environment.Options{
		Stdout: utils.NewColorLogger("environment", os.Stdout, true),
		Stderr: utils.NewColorLogger("environment", os.Stderr, false),
	}

	var manager environment.Manager
	switch isolation {
	case "docker":
		manager = environment.NewDockerManager(image, envTool, opts)
	case "host":
		manager = environment.NewHostManager(".shipper", envTool, executor.NewCommandExecutor(), opts)
	default:
		log.Fatalf("unknown isolation backend: %s", isolation)
	}

	pipelineRun := pipeline.NewRun(triggerContext, pipelineFile, manager).
		WithPackager(builder.NewCondaBuild(envTool)).
		WithFramework(tester.NewPytest("")).
		WithCoverageUpload(tester.NewCodecov(""), coverageToken).
		WithRegistry(publisher.NewAnaconda(""), authToken).
		WithOutput(utils.NewColorLogger("pipeline", os.Stdout, true))

	if err := pipelineRun.Execute(ctx); err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			log.Printf("pipeline failed at stage %s: %v", stageErr.Stage, stageErr.Err)
			os.Exit(stageErr.ExitCode())
		}
		log.Fatal(err)
	}
}

func resolveTrigger(repoPath string) models.TriggerContext {
	if branch != "" {
		return models.NewTriggerContext(branch, tag, buildNumber)
	}
	return trigger.Resolve(repoPath)
}
