package tester

import (
	"context"
	"regexp"
	"strconv"

	"github.com/rubbs14/shipper/pkg/environment"
	"github.com/rubbs14/shipper/pkg/models"
)

const DefaultFrameworkProgram = "python"

// CoverageReportFile is where the framework leaves the machine-readable
// coverage report inside the test environment workspace.
const CoverageReportFile = "coverage.xml"

var summaryPattern = regexp.MustCompile(`(\d+) (passed|failed)`)

// Pytest runs the suite through the python test framework with coverage
// collection.
type Pytest struct {
	program string
}

func NewPytest(program string) *Pytest {
	if program == "" {
		program = DefaultFrameworkProgram
	}
	return &Pytest{program: program}
}

func (p *Pytest) DiscoverAndRun(ctx context.Context, env environment.Environment, startDir, pattern, coverageSource string) (models.TestReport, error) {
	args := []string{"-m", "pytest", startDir}
	if pattern != "" {
		args = append(args, "-k", pattern)
	}
	if coverageSource != "" {
		args = append(args, "--cov", coverageSource, "--cov-report", "xml:"+CoverageReportFile)
	}

	result, err := env.Exec(ctx, p.program, args)
	report := models.TestReport{}
	if result != nil {
		report = parseSummary(result.Stdout)
		if coverageSource != "" {
			report.CoverageFile = CoverageReportFile
		}
	}
	if err != nil && report.Failed == 0 {
		// Non-zero exit without a failure count means the suite could not be
		// discovered or crashed before reporting.
		return report, err
	}
	return report, nil
}

func parseSummary(output string) models.TestReport {
	var report models.TestReport
	for _, m := range summaryPattern.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "passed":
			report.Passed = n
		case "failed":
			report.Failed = n
		}
	}
	return report
}
