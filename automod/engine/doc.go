// Warning lifecycle engine: records and clears member warnings, keeps the "warned" marker role in sync, and escalates temporary restrictions for repeat offenders.
package engine
