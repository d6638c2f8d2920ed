package instrument

const identityQuery = "*IDN?"

// ModelA speaks the SOURce:SAFEty command family (1903X, HIPOT_32, 11210K).
// GetData replies are comma separated and the remaining time is read from a
// second fetch.
type ModelA struct {
	*scpiDriver
}

// ModelB speaks the shortened SAFE: command family (1905X, HIPOT_53).
// GetData replies carry voltage, resistance and remaining time separated by
// semicolons.
type ModelB struct {
	*scpiDriver
}

var modelACommands = commandSet{
	identity:   identityQuery,
	start:      "SOURce:SAFEty:START",
	stop:       "SOURce:SAFEty:STOP",
	judgement:  "SOURce:SAFEty:RESult:ALL:JUDGment?",
	fetch:      "SAF:FETC? OMET,MMET,TLEA",
	status:     "SAFE:STAT?",
	mode:       "SAFEty:RESult:ALL:MODE?",
	stepNumber: "SOURce:SAFEty:SNUMBer?",
	mmet:       "SOUR:SAFE:RES:ALL:MMET?",
	rangeQuery: "SAF:STEP1:IR:RANG?",

	irLevel:    "SAF:STEP1:IR",
	irHigh:     "SAF:STEP1:IR:LIM:HIGH",
	irLow:      "SAF:STEP1:IR:LIM:LOW",
	irTime:     "SAF:STEP1:IR:TIME",
	irRamp:     "SAF:STEP1:IR:TIME:RAMP",
	irDwell:    "SAF:STEP1:IR:TIME:DWEL",
	irFall:     "SAF:STEP1:IR:TIME:FALL",
	irRange:    "SAF:STEP1:IR:RANG",
	irFixRange: "SAF:STEP1:IR:RANG:FIX",
	autoRange:  "SAF:STEP1:IR:RANG:AUTO",
	warnRange:  "SYST:TCON:WRAN",
}

// Model-B has no status, step number, range query, dwell or fixed-range
// commands.
var modelBCommands = commandSet{
	identity:  identityQuery,
	start:     "SAFE:START",
	stop:      "SAFE:STOP",
	judgement: "SAFE:RES:LAST?",
	fetch:     "SAFE:FETC? OMET,MMET,TLEF",
	mode:      "SAFEty:RESult:ALL:MODE?",
	mmet:      "SOUR:SAFE:RES:ALL:MMET?",

	irLevel:   "SAFE:STEP1:IR",
	irHigh:    "SAFE:STEP1:IR:LIM:HIGH",
	irLow:     "SAFE:STEP1:IR:LIM:LOW",
	irTime:    "SAFE:STEP1:IR:TIME",
	irRamp:    "SAFE:STEP1:IR:TIME:RAMP",
	irFall:    "SAFE:STEP1:IR:TIME:FALL",
	irRange:   "SAFE:STEP1:IR:RANG",
	autoRange: "SYST:STEP1:IR:RANG:AUTO",
	warnRange: "SYST:TCON:WRAN",
}

// NewModelA returns an unbound Model-A driver registered under model.
func NewModelA(model string, opts ...Option) *ModelA {
	return &ModelA{newSCPIDriver(model, DialectA, modelACommands, modelARanges, opts)}
}

// NewModelB returns an unbound Model-B driver registered under model.
func NewModelB(model string, opts ...Option) *ModelB {
	return &ModelB{newSCPIDriver(model, DialectB, modelBCommands, modelBRanges, opts)}
}

var (
	_ Driver = (*ModelA)(nil)
	_ Driver = (*ModelB)(nil)
)
