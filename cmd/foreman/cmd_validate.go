package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"foreman/internal/promptcheck"
)

var validateSanitize bool

var validatePromptCmd = &cobra.Command{
	Use:   "validate-prompt [file]",
	Short: "Validate an agent prompt without dispatching it",
	Long: `Runs the dispatch-time prompt checks: injection patterns, size
limits, required sections (Task/Files/Output/Rules), and forbidden
content. Reads from stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: validatePrompt,
}

func init() {
	validatePromptCmd.Flags().BoolVar(&validateSanitize, "sanitize", false, "Print the sanitized prompt on success")
}

func validatePrompt(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}
	prompt := string(data)

	res := promptcheck.Validate(prompt)
	if !res.Valid {
		for _, v := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s: %s\n", v.Code, v.Message)
		}
		return fmt.Errorf("prompt invalid (%d defects)", len(res.Errors))
	}

	fmt.Printf("prompt valid (~%d tokens)\n", res.EstimatedTokens)
	if validateSanitize {
		fmt.Println(promptcheck.Sanitize(prompt))
	}
	return nil
}
