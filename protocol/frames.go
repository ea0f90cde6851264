package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

// Encoder renders protocol records into their wire form. All rendering
// decisions (numeric encodings, slots, which optional frames exist) are
// derived from the effective capability set of one connection, so an
// Encoder is only valid for the connection it was built for.
//
// Encoders are stateless and safe for concurrent use.
type Encoder struct {
	caps      Capabilities
	ints      NumberEncoding
	floats    NumberEncoding
	withSlots bool
}

// NewEncoder builds an Encoder for a negotiated capability set.
func NewEncoder(caps Capabilities) *Encoder {
	return &Encoder{
		caps:      caps,
		ints:      IntegerEncoding(caps),
		floats:    FloatEncoding(caps),
		withSlots: caps.Has(CapSlots),
	}
}

// Caps returns the capability set the encoder was built for.
func (e *Encoder) Caps() Capabilities { return e.caps }

func writeQuoted(wb *bytes.Buffer, s string) {
	wb.WriteByte('"')
	wb.WriteString(strings.ReplaceAll(s, `"`, `'`))
	wb.WriteByte('"')
}

func (e *Encoder) writeSlot(wb *bytes.Buffer, slot uint32) {
	if !e.withSlots {
		return
	}
	wb.WriteByte(' ')
	wb.WriteString(slotPrefix)
	wb.Write(AppendUint64(nil, e.ints, uint64(slot)))
}

func flagsField(names []string, set []bool) string {
	var parts []string
	for i, on := range set {
		if on {
			parts = append(parts, names[i])
		}
	}
	return strings.Join(parts, " ")
}

// ChartDefinition renders the full definition of a chart: the CHART
// line, its chart labels when the peer accepts them, and one DIMENSION
// line per dimension. The retention window is a separate frame
// (ChartDefinitionEnd) so callers without replication can omit it.
func (e *Encoder) ChartDefinition(wb *bytes.Buffer, c *Chart) {
	wb.WriteString(KeywordChart)
	e.writeSlot(wb, c.Slot)

	// the name travels without its "type." prefix when it differs
	// from the id, the way the peer expects to parse it
	name := ""
	if c.Name != "" && c.Name != c.ID {
		if _, after, found := strings.Cut(c.Name, "."); found {
			name = after
		}
	}

	for _, s := range []string{c.ID, name, c.Title, c.Units, c.Family, c.Context, c.Type} {
		wb.WriteByte(' ')
		writeQuoted(wb, s)
	}
	wb.WriteByte(' ')
	wb.WriteString(strconv.Itoa(c.Priority))
	wb.WriteByte(' ')
	wb.WriteString(strconv.Itoa(c.UpdateEvery))
	wb.WriteByte(' ')
	writeQuoted(wb, flagsField(
		[]string{"obsolete", "detail", "store_first", "hidden"},
		[]bool{c.Obsolete, c.Detail, c.StoreFirst, c.Hidden}))
	wb.WriteByte(' ')
	writeQuoted(wb, c.Plugin)
	wb.WriteByte(' ')
	writeQuoted(wb, c.Module)
	wb.WriteByte('\n')

	if e.caps.Has(CapCLabels) && len(c.Labels) > 0 {
		for _, l := range c.Labels {
			wb.WriteString(KeywordChartLabel)
			wb.WriteByte(' ')
			writeQuoted(wb, l.Name)
			wb.WriteByte(' ')
			writeQuoted(wb, l.Value)
			wb.WriteByte(' ')
			wb.WriteString(strconv.Itoa(l.Source))
			wb.WriteByte('\n')
		}
		wb.WriteString(KeywordChartLabelStop)
		wb.WriteByte('\n')
	}

	for i := range c.Dimensions {
		d := &c.Dimensions[i]
		wb.WriteString(KeywordDimension)
		e.writeSlot(wb, d.Slot)
		wb.WriteByte(' ')
		writeQuoted(wb, d.ID)
		wb.WriteByte(' ')
		writeQuoted(wb, d.Name)
		wb.WriteByte(' ')
		writeQuoted(wb, d.Algorithm)
		wb.WriteByte(' ')
		wb.WriteString(strconv.FormatInt(d.Multiplier, 10))
		wb.WriteByte(' ')
		wb.WriteString(strconv.FormatInt(d.Divisor, 10))
		wb.WriteByte(' ')
		writeQuoted(wb, flagsField(
			[]string{"obsolete", "hidden", "noreset"},
			[]bool{d.Obsolete, d.Hidden, d.NoReset}))
		wb.WriteByte('\n')
	}
}

// ChartDefinitionEnd closes a chart definition with its replication
// bootstrap window: first and last retained timestamps plus the current
// wall-clock time, all in seconds.
func (e *Encoder) ChartDefinitionEnd(wb *bytes.Buffer, firstTime, lastTime, now int64) {
	wb.WriteString(KeywordChartDefinitionEnd)
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(firstTime, 10))
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(lastTime, 10))
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(now, 10))
	wb.WriteByte('\n')
}

// BeginV1 opens a per-chart sample batch. usecSinceLast is the elapsed
// microseconds since the chart's previous update, or zero to make the
// peer resynchronize its clock for this chart.
func (e *Encoder) BeginV1(wb *bytes.Buffer, chartID string, usecSinceLast uint64) {
	wb.WriteString(KeywordBegin)
	wb.WriteByte(' ')
	writeQuoted(wb, chartID)
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatUint(usecSinceLast, 10))
	wb.WriteByte('\n')
}

// SetV1 carries one dimension's collected value inside a v1 batch.
func (e *Encoder) SetV1(wb *bytes.Buffer, dimensionID string, collected int64) {
	wb.WriteString(KeywordSet)
	wb.WriteByte(' ')
	writeQuoted(wb, dimensionID)
	wb.WriteString(" = ")
	wb.WriteString(strconv.FormatInt(collected, 10))
	wb.WriteByte('\n')
}

// EndV1 closes a v1 batch.
func (e *Encoder) EndV1(wb *bytes.Buffer) {
	wb.WriteString(KeywordEnd)
	wb.WriteByte('\n')
}

// BeginV2 opens an interpolated batch: every SET2 until the matching
// END2 shares pointTime. When pointTime equals wallClock the wall clock
// is replaced by the '#' sentinel.
func (e *Encoder) BeginV2(wb *bytes.Buffer, c *Chart, pointTime, wallClock int64) {
	wb.WriteString(KeywordBeginV2)
	e.writeSlot(wb, c.Slot)
	wb.WriteString(" '")
	wb.WriteString(c.ID)
	wb.WriteString("' ")
	wb.Write(AppendUint64(nil, e.ints, uint64(c.UpdateEvery)))
	wb.WriteByte(' ')
	wb.Write(AppendUint64(nil, e.ints, uint64(pointTime)))
	wb.WriteByte(' ')
	if pointTime == wallClock {
		wb.WriteByte('#')
	} else {
		wb.Write(AppendUint64(nil, e.ints, uint64(wallClock)))
	}
	wb.WriteByte('\n')
}

// SetV2 carries one dimension's point inside an interpolated batch.
// When the interpolated value equals the raw collected value the value
// field is replaced by the '#' sentinel so identical numbers are not
// re-sent.
func (e *Encoder) SetV2(wb *bytes.Buffer, d *Dimension, collected int64, value float64, flags SampleFlags) {
	wb.WriteString(KeywordSetV2)
	e.writeSlot(wb, d.Slot)
	wb.WriteString(" '")
	wb.WriteString(d.ID)
	wb.WriteString("' ")
	wb.Write(AppendInt64(nil, e.ints, collected))
	wb.WriteByte(' ')
	if float64(collected) == value {
		wb.WriteByte('#')
	} else {
		wb.Write(AppendFloat(nil, e.floats, value))
	}
	wb.WriteByte(' ')
	wb.WriteString(flags.token())
	wb.WriteByte('\n')
}

// EndV2 closes an interpolated batch.
func (e *Encoder) EndV2(wb *bytes.Buffer) {
	wb.WriteString(KeywordEndV2)
	wb.WriteByte('\n')
}

// HostLabel carries one host label.
func (e *Encoder) HostLabel(wb *bytes.Buffer, l Label) {
	wb.WriteString(KeywordLabel)
	wb.WriteByte(' ')
	writeQuoted(wb, l.Name)
	wb.WriteString(" = ")
	wb.WriteString(strconv.Itoa(l.Source))
	wb.WriteByte(' ')
	writeQuoted(wb, l.Value)
	wb.WriteByte('\n')
}

// OverwriteLabels atomically replaces the peer's view of the host
// labels with the LABEL frames sent since the last overwrite.
func (e *Encoder) OverwriteLabels(wb *bytes.Buffer) {
	wb.WriteString(KeywordOverwrite)
	wb.WriteString(" labels\n")
}

// ClaimedID announces the cloud claim of a host.
func (e *Encoder) ClaimedID(wb *bytes.Buffer, machineGUID, claimID string) {
	wb.WriteString(KeywordClaimedID)
	wb.WriteByte(' ')
	wb.WriteString(machineGUID)
	wb.WriteByte(' ')
	if claimID == "" {
		claimID = "NULL"
	}
	wb.WriteString(claimID)
	wb.WriteByte('\n')
}

// Function advertises one callable function with its timeout (seconds)
// and help text.
func (e *Encoder) Function(wb *bytes.Buffer, name string, timeout int, help string) {
	wb.WriteString(KeywordFunction)
	wb.WriteByte(' ')
	writeQuoted(wb, name)
	wb.WriteByte(' ')
	wb.WriteString(strconv.Itoa(timeout))
	wb.WriteByte(' ')
	writeQuoted(wb, help)
	wb.WriteByte('\n')
}

// JobStatus reports a dynamic-configuration job state change.
func (e *Encoder) JobStatus(wb *bytes.Buffer, plugin, module, job, status string, state int, reason string) {
	wb.WriteString(KeywordReportJobStatus)
	wb.WriteByte(' ')
	wb.WriteString(plugin)
	wb.WriteByte(' ')
	wb.WriteString(module)
	wb.WriteByte(' ')
	wb.WriteString(job)
	wb.WriteByte(' ')
	wb.WriteString(status)
	wb.WriteByte(' ')
	wb.WriteString(strconv.Itoa(state))
	if reason != "" {
		wb.WriteByte(' ')
		writeQuoted(wb, reason)
	}
	wb.WriteByte('\n')
}

// JobDeleted reports a dynamic-configuration job removal.
func (e *Encoder) JobDeleted(wb *bytes.Buffer, plugin, module, job string) {
	wb.WriteString(KeywordDeleteJob)
	wb.WriteByte(' ')
	wb.WriteString(plugin)
	wb.WriteByte(' ')
	wb.WriteString(module)
	wb.WriteByte(' ')
	wb.WriteString(job)
	wb.WriteByte('\n')
}

// DynCfgEnable announces a configurable plugin.
func (e *Encoder) DynCfgEnable(wb *bytes.Buffer, plugin string) {
	wb.WriteString(KeywordDynCfgEnable)
	wb.WriteByte(' ')
	wb.WriteString(plugin)
	wb.WriteByte('\n')
}

// DynCfgRegisterModule announces a module of a configurable plugin.
func (e *Encoder) DynCfgRegisterModule(wb *bytes.Buffer, plugin, module, moduleType string) {
	wb.WriteString(KeywordDynCfgRegisterModule)
	wb.WriteByte(' ')
	wb.WriteString(plugin)
	wb.WriteByte(' ')
	wb.WriteString(module)
	wb.WriteByte(' ')
	wb.WriteString(moduleType)
	wb.WriteByte('\n')
}

// DynCfgRegisterJob announces one job of a module.
func (e *Encoder) DynCfgRegisterJob(wb *bytes.Buffer, plugin, module, job, jobType string, flags uint32) {
	wb.WriteString(KeywordDynCfgRegisterJob)
	wb.WriteByte(' ')
	wb.WriteString(plugin)
	wb.WriteByte(' ')
	wb.WriteString(module)
	wb.WriteByte(' ')
	wb.WriteString(job)
	wb.WriteByte(' ')
	wb.WriteString(jobType)
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatUint(uint64(flags), 10))
	wb.WriteByte('\n')
}

// DynCfgReset asks the peer to drop everything it knows about a
// configurable plugin.
func (e *Encoder) DynCfgReset(wb *bytes.Buffer, plugin string) {
	wb.WriteString(KeywordDynCfgReset)
	wb.WriteByte(' ')
	wb.WriteString(plugin)
	wb.WriteByte('\n')
}

// ReplayChart is the parent's answer to a chart definition: either a
// backfill request for (after, before], or, with startStreaming and an
// empty window, the signal that no backfill is needed.
func (e *Encoder) ReplayChart(wb *bytes.Buffer, chartID string, startStreaming bool, after, before int64) {
	wb.WriteString(KeywordReplayChart)
	wb.WriteByte(' ')
	writeQuoted(wb, chartID)
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatBool(startStreaming))
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(after, 10))
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(before, 10))
	wb.WriteByte('\n')
}

// ReplayBegin opens one backfill batch for a chart.
func (e *Encoder) ReplayBegin(wb *bytes.Buffer, chartID string) {
	wb.WriteString(KeywordReplayBegin)
	wb.WriteByte(' ')
	writeQuoted(wb, chartID)
	wb.WriteByte('\n')
}

// ReplaySet carries one historical point of one dimension.
func (e *Encoder) ReplaySet(wb *bytes.Buffer, dimensionID string, t int64, value float64, flags SampleFlags) {
	wb.WriteString(KeywordReplaySet)
	wb.WriteByte(' ')
	writeQuoted(wb, dimensionID)
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(t, 10))
	wb.WriteByte(' ')
	wb.Write(AppendFloat(nil, e.floats, value))
	wb.WriteByte(' ')
	wb.WriteString(flags.token())
	wb.WriteByte('\n')
}

// ReplayEndBatch closes one backfill batch.
func (e *Encoder) ReplayEndBatch(wb *bytes.Buffer) {
	wb.WriteString(KeywordReplayEnd)
	wb.WriteByte('\n')
}

// ReplayDone signals that the backfill window of a chart is closed and
// live streaming may resume for it.
func (e *Encoder) ReplayDone(wb *bytes.Buffer, chartID string, firstTime, lastTime int64) {
	wb.WriteString(KeywordReplayDone)
	wb.WriteByte(' ')
	writeQuoted(wb, chartID)
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(firstTime, 10))
	wb.WriteByte(' ')
	wb.WriteString(strconv.FormatInt(lastTime, 10))
	wb.WriteByte('\n')
}
