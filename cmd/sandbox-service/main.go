package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "configs/sandbox_service.yaml"

func main() {
	cmd := &cli.Command{
		Name:  "sandbox-service",
		Usage: "compile and run untrusted code inside resource-capped sandboxes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "path to the YAML config file",
				Sources: cli.EnvVars("SANDBOX_CONFIG"),
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
			runCommand(),
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-service: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the HTTP execution gateway",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadAppConfig(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load app config failed: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "remove stale sandbox artifacts from the workspace root once",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "ignore the grace age and remove every artifact"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadAppConfig(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load app config failed: %w", err)
			}
			return sweep(ctx, cfg, cmd.Bool("all"), cmd.Root().Writer)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute a local source file once and print the verdict",
		ArgsUsage: "<source-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "language", Aliases: []string{"l"}, Usage: "language id; guessed from the file extension when empty"},
			&cli.StringFlag{Name: "stdin", Aliases: []string{"i"}, Usage: "file whose content is fed to the program"},
			&cli.StringFlag{Name: "expected", Aliases: []string{"e"}, Usage: "file holding the expected output"},
			&cli.IntFlag{Name: "time-limit", Aliases: []string{"t"}, Usage: "wall time limit in milliseconds"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one source file")
			}
			cfg, err := loadAppConfig(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load app config failed: %w", err)
			}
			return runOnce(ctx, cfg, runOptions{
				SourcePath:   cmd.Args().First(),
				Language:     cmd.String("language"),
				StdinPath:    cmd.String("stdin"),
				ExpectedPath: cmd.String("expected"),
				TimeLimitMs:  int(cmd.Int("time-limit")),
			}, cmd.Root().Writer)
		},
	}
}
