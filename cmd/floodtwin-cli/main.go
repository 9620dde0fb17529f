// FloodTwin CLI — инструмент командной строки для управления
// пайплайнами затопления через HTTP API.
//
// Использование:
//
//	floodtwin [--api-url URL] [--json] <command> [flags]
//
// Команды:
//
//	submit   Запустить пайплайн для области
//	status   Статус пайплайна по стадиям
//	list     Список пайплайнов
//	cancel   Отменить пайплайн
//	depth    Временной ряд глубины по координатам
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/floodtwin/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "floodtwin",
		Short:         "FloodTwin CLI — flood simulation pipelines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSubmitCmd(clientFn, outputFn),
		cli.NewStatusCmd(clientFn, outputFn),
		cli.NewListCmd(clientFn, outputFn),
		cli.NewCancelCmd(clientFn, outputFn),
		cli.NewDepthCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
