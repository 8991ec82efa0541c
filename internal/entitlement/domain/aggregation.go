package domain

// AggregationBehavior is how the meter folds a new sample into its counter.
type AggregationBehavior string

const (
	BehaviorNone AggregationBehavior = "none"
	BehaviorSum  AggregationBehavior = "sum"
	BehaviorMax  AggregationBehavior = "max"
	BehaviorLast AggregationBehavior = "last"
)

// AggregationScope decides whether the meter is bound to the current cycle
// window or to the whole grant range.
type AggregationScope string

const (
	ScopePeriod   AggregationScope = "period"
	ScopeLifetime AggregationScope = "lifetime"
)

// AggregationConfig maps an aggregation method onto meter semantics.
type AggregationConfig struct {
	Behavior AggregationBehavior
	Scope    AggregationScope
	Resets   bool
	// CountsEvents means each record contributes +1 regardless of its value.
	CountsEvents bool
}

var aggregationTable = map[AggregationMethod]AggregationConfig{
	AggregationNone:             {Behavior: BehaviorNone, Scope: ScopePeriod, Resets: true},
	AggregationSum:              {Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true},
	AggregationCount:            {Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true, CountsEvents: true},
	AggregationMax:              {Behavior: BehaviorMax, Scope: ScopePeriod, Resets: true},
	AggregationLastDuringPeriod: {Behavior: BehaviorLast, Scope: ScopePeriod, Resets: true},
	AggregationSumAll:           {Behavior: BehaviorSum, Scope: ScopeLifetime, Resets: false},
	AggregationCountAll:         {Behavior: BehaviorSum, Scope: ScopeLifetime, Resets: false, CountsEvents: true},
	AggregationMaxAll:           {Behavior: BehaviorMax, Scope: ScopeLifetime, Resets: false},
}

// AggregationFor returns the meter semantics for a method. Unknown methods
// behave like "none".
func AggregationFor(method AggregationMethod) AggregationConfig {
	if cfg, ok := aggregationTable[method]; ok {
		return cfg
	}
	return aggregationTable[AggregationNone]
}
