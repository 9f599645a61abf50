package automod

import (
	"github.com/referee-bot/referee/automod/countstore"
	"github.com/referee-bot/referee/automod/engine"
)

type Engine = engine.Engine
type EngineConfig = engine.Config
type MemberStatus = engine.MemberStatus
type SweepStats = engine.SweepStats

type Escalator = engine.Escalator
type EscalationPolicy = engine.EscalationPolicy
type Punishment = engine.Punishment

type Notifier = engine.Notifier
type LogNotifier = engine.LogNotifier
type SlackNotifier = engine.SlackNotifier

var (
	DefaultEngineConfig     = engine.DefaultConfig
	DefaultEscalationPolicy = engine.DefaultEscalationPolicy
	NewEscalator            = engine.NewEscalator

	ErrDuplicateWarning = engine.ErrDuplicateWarning

	PeriodTotal = countstore.PeriodTotal
	PeriodDay   = countstore.PeriodDay
	PeriodHour  = countstore.PeriodHour
)
