// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"result"})

	lockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "lockouts_total",
		Help:      "Accounts blocked for exceeding the failed-login threshold.",
	})

	registrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "registrations_total",
		Help:      "Successfully created accounts.",
	})

	unregistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "unregistrations_total",
		Help:      "Deleted accounts, admin removals included.",
	})

	passwordChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "password_changes_total",
		Help:      "Completed password changes, forced ones included.",
	})
)

// Login outcome label values.
const (
	resultSuccess           = "success"
	resultIncorrectPassword = "incorrect_password"
	resultBlocked           = "blocked"
	resultLocked            = "locked"
	resultNotRegistered     = "not_registered"
)
