package types

// ScoreDimensions are the eleven evaluation dimensions of an essay.
var ScoreDimensions = []string{
	"writing",
	"detail",
	"voice",
	"character",
	"iv",
	"contribution",
	"why_us",
	"motivation",
	"academic",
	"experiences",
	"reflection",
}

// ScoreColumns returns the real-valued score column names (esslo_<dim>).
func ScoreColumns() []string {
	cols := make([]string, len(ScoreDimensions))
	for i, d := range ScoreDimensions {
		cols[i] = "esslo_" + d
	}
	return cols
}

// LevelColumns returns the integer-valued score column names (esslo_<dim>_level).
func LevelColumns() []string {
	cols := make([]string, len(ScoreDimensions))
	for i, d := range ScoreDimensions {
		cols[i] = "esslo_" + d + "_level"
	}
	return cols
}
