package protocol

// Frame keywords. Each is a wire constant; changing one breaks
// compatibility with every deployed peer.
const (
	KeywordChart              = "CHART"
	KeywordDimension          = "DIMENSION"
	KeywordChartDefinitionEnd = "CHART_DEFINITION_END"

	KeywordBegin = "BEGIN"
	KeywordSet   = "SET"
	KeywordEnd   = "END"

	KeywordBeginV2 = "BEGIN2"
	KeywordSetV2   = "SET2"
	KeywordEndV2   = "END2"

	KeywordLabel           = "LABEL"
	KeywordOverwrite       = "OVERWRITE"
	KeywordChartLabel      = "CLABEL"
	KeywordChartLabelStop  = "CLABEL_COMMIT"
	KeywordClaimedID       = "CLAIMED_ID"
	KeywordFunction        = "FUNCTION"
	KeywordReportJobStatus = "REPORT_JOB_STATUS"
	KeywordDeleteJob       = "DELETE_JOB"

	KeywordDynCfgEnable         = "DYNCFG_ENABLE"
	KeywordDynCfgRegisterModule = "DYNCFG_REGISTER_MODULE"
	KeywordDynCfgRegisterJob    = "DYNCFG_REGISTER_JOB"
	KeywordDynCfgReset          = "DYNCFG_RESET"

	KeywordReplayChart = "REPLAY_CHART"
	KeywordReplayBegin = "RBEGIN"
	KeywordReplaySet   = "RSET"
	KeywordReplayEnd   = "REND"
	KeywordReplayDone  = "REPLAY_END"
)

// slotPrefix precedes the integer standing in for a chart/dimension
// name when the SLOTS capability is negotiated.
const slotPrefix = "SLOT:"
