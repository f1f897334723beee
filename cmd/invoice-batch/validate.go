package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/confidence"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

var validateStrict bool

var validateCmd = &cobra.Command{
	Use:   "validate <candidate.json>",
	Short: "Validate and score an extracted invoice candidate offline",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "exit non-zero when the invoice would require review")
}

type validateReport struct {
	validation.Result
	ConfidenceScore float64                 `json:"confidenceScore"`
	Status          constants.InvoiceStatus `json:"status"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var c entity.Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}

	res := validation.NewEngine().Validate(c)
	rep := validateReport{
		Result:          res,
		ConfidenceScore: confidence.NewScorer().Score(c, res),
		Status:          constants.StatusCompleted,
	}
	if res.RequiresReview {
		rep.Status = constants.StatusReviewRequired
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if validateStrict && res.RequiresReview {
		return fmt.Errorf("invoice requires review: %d errors, %d warnings", len(res.Errors), len(res.Warnings))
	}
	return nil
}
