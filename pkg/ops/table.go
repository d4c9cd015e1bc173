package ops

// operations builds the dispatch table. One row per operation; consolidated
// operations (agent_lifecycle, knowledge, observability) validate their
// action-specific arguments in the handler.
func (d *Dispatcher) operations() map[string]*Operation {
	table := []*Operation{
		// Identity.
		{
			Name:        "onboard",
			Description: "Resolve or create an identity from presented credentials; returns the api key exactly once on creation.",
			Params: []Param{
				{Name: "display_name", Type: "string", Description: "Human-facing name to claim or create under."},
				{Name: "name_claim_token", Type: "string", Description: "Proof of ownership for a display-name claim."},
				{Name: "model", Type: "string", Description: "Model label folded into the generated agent_id."},
				{Name: "resume", Type: "boolean", Description: "Adopt the matching existing identity."},
				{Name: "force_new", Type: "boolean", Description: "Skip adoption and create a fresh identity."},
			},
			Handler: d.opOnboard,
		},
		{
			Name:        "identity",
			Description: "Return the bound identity and its open dialectic session, if any.",
			Auth:        true,
			Handler:     d.opIdentity,
		},
		{
			Name:        "set_display_name",
			Description: "Set the bound identity's display name.",
			Auth:        true,
			Write:       true,
			Params: []Param{
				{Name: "display_name", Type: "string", Required: true},
			},
			Handler: d.opSetDisplayName,
		},
		{
			Name:        "rotate_key",
			Description: "Mint a replacement api key; callable only with the current key.",
			Auth:        true,
			Write:       true,
			Handler:     d.opRotateKey,
		},

		// Governance.
		{
			Name:        "process_update",
			Description: "Integrate one governance step for the bound agent and persist the outcome.",
			Class:       ClassUpdates,
			Timeout:     UpdateTimeout,
			Auth:        true,
			Write:       true,
			Params: []Param{
				{Name: "parameters", Type: "array", Required: true, Description: "Position vector in parameter space."},
				{Name: "ethical_drift", Type: "array", Description: "Drift vector; empty means zero drift."},
				{Name: "response_text", Type: "string", Description: "Agent output to summarize into the update context."},
				{Name: "complexity", Type: "number", Description: "Task complexity in [0,1]."},
				{Name: "confidence", Type: "number", Description: "Self-reported confidence in [0,1]; default 1.0."},
				{Name: "ci_passed", Type: "boolean"},
				{Name: "external_validation", Type: "boolean"},
				{Name: "task_type", Type: "string"},
				{Name: "agent_uuid", Type: "string", Description: "Ignored; writes always land on the bound identity."},
			},
			Handler: d.opProcessUpdate,
		},
		{
			Name:        "simulate_update",
			Description: "Compute one governance step without locking, persisting or auditing.",
			Class:       ClassUpdates,
			Timeout:     UpdateTimeout,
			Auth:        true,
			Params: []Param{
				{Name: "parameters", Type: "array", Required: true},
				{Name: "ethical_drift", Type: "array"},
				{Name: "response_text", Type: "string"},
				{Name: "complexity", Type: "number"},
				{Name: "confidence", Type: "number"},
				{Name: "ci_passed", Type: "boolean"},
				{Name: "external_validation", Type: "boolean"},
				{Name: "task_type", Type: "string"},
				{Name: "agent_uuid", Type: "string", Description: "Agent to simulate against; default the bound identity."},
			},
			Handler: d.opSimulateUpdate,
		},
		{
			Name:        "get_metrics",
			Description: "Lock-free snapshot of an agent's state, thresholds-derived margin and regime.",
			Auth:        true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string", Description: "Default the bound identity."},
			},
			Handler: d.opGetMetrics,
		},
		{
			Name:        "get_history",
			Description: "Recent history-ring entries for an agent, newest last.",
			Auth:        true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string"},
				{Name: "limit", Type: "integer", Description: "Entries to return; capped at the ring size."},
			},
			Handler: d.opGetHistory,
		},

		// Recovery.
		{
			Name:        "resume_if_safe",
			Description: "Resume the bound paused agent when the safety predicate holds.",
			Auth:        true,
			Write:       true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string", Description: "Ignored; resume applies to the bound identity."},
			},
			Handler: d.opResumeIfSafe,
		},
		{
			Name:        "self_recovery_review",
			Description: "Evaluate the safety predicate leg by leg and return guidance without side effects.",
			Auth:        true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string"},
			},
			Handler: d.opSelfRecoveryReview,
		},
		{
			Name:        "check_recovery_options",
			Description: "List which recovery operations apply to an agent's current status and state.",
			Auth:        true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string"},
			},
			Handler: d.opCheckRecoveryOptions,
		},
		{
			Name:        "operator_resume",
			Description: "Resume a paused agent bypassing the safety predicate; always audited.",
			Class:       ClassAdmin,
			Admin:       true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string", Required: true},
				{Name: "reason", Type: "string"},
			},
			Handler: d.opOperatorResume,
		},

		// Dialectic.
		{
			Name:        "request_review",
			Description: "Open a dialectic session for a paused agent; a reviewer is selected automatically.",
			Class:       ClassDialectic,
			Auth:        true,
			Write:       true,
			Params: []Param{
				{Name: "topic", Type: "string"},
				{Name: "agent_uuid", Type: "string", Description: "Paused agent; operators may target any agent."},
			},
			Handler: d.opRequestReview,
		},
		{
			Name:        "submit_thesis",
			Description: "Submit the paused agent's thesis: reasoning, root cause, proposed conditions.",
			Class:       ClassDialectic,
			Auth:        true,
			Write:       true,
			Params:      submitParams(false),
			Handler:     d.opSubmitThesis,
		},
		{
			Name:        "submit_antithesis",
			Description: "Submit the reviewer's antithesis: concerns, counter-conditions, agreement flag.",
			Class:       ClassDialectic,
			Auth:        true,
			Write:       true,
			Params:      submitParams(false),
			Handler:     d.opSubmitAntithesis,
		},
		{
			Name:        "submit_synthesis",
			Description: "Submit a synthesis; on convergence the merged conditions gate the resume.",
			Class:       ClassDialectic,
			Auth:        true,
			Write:       true,
			Params:      submitParams(true),
			Handler:     d.opSubmitSynthesis,
		},
		{
			Name:        "get_session",
			Description: "Fetch one dialectic session with its transcript.",
			Auth:        true,
			Params: []Param{
				{Name: "session_id", Type: "string", Required: true},
			},
			Handler: d.opGetSession,
		},
		{
			Name:        "list_sessions",
			Description: "List dialectic sessions, newest first.",
			Auth:        true,
			Params: []Param{
				{Name: "agent_uuid", Type: "string", Description: "Sessions where the agent participates."},
				{Name: "status", Type: "string", Description: "active, resolved, failed or cancelled."},
				{Name: "limit", Type: "integer"},
				{Name: "offset", Type: "integer"},
			},
			Handler: d.opListSessions,
		},
		{
			Name:        "cancel_session",
			Description: "Cancel an active dialectic session; participants only unless forced by an operator.",
			Class:       ClassDialectic,
			Auth:        true,
			Write:       true,
			Params: []Param{
				{Name: "session_id", Type: "string", Required: true},
				{Name: "reason", Type: "string"},
				{Name: "force", Type: "boolean", Description: "Operator-only: cancel a session the caller is not part of."},
			},
			Handler: d.opCancelSession,
		},

		// Consolidated surfaces.
		{
			Name:        "agent_lifecycle",
			Description: "Identity listings and lifecycle transitions: list, get, update_metadata, archive, unarchive, delete.",
			Auth:        true,
			Params: []Param{
				{Name: "action", Type: "string", Required: true},
				{Name: "agent_uuid", Type: "string"},
				{Name: "status", Type: "string", Description: "list: filter by status."},
				{Name: "trust_tier", Type: "string", Description: "list: filter by trust tier."},
				{Name: "tag", Type: "string", Description: "list: filter by tag."},
				{Name: "include_deleted", Type: "boolean", Description: "list: operator-only."},
				{Name: "limit", Type: "integer"},
				{Name: "offset", Type: "integer"},
				{Name: "metadata", Type: "object", Description: "update_metadata: keys to merge; null values delete."},
				{Name: "tags", Type: "array", Description: "update_metadata: replacement tag set."},
			},
			Handler: d.opAgentLifecycle,
		},
		{
			Name:        "knowledge",
			Description: "Knowledge notes: store, search, get, list, update_status, cleanup.",
			Auth:        true,
			Params: []Param{
				{Name: "action", Type: "string", Required: true},
				{Name: "id", Type: "string"},
				{Name: "summary", Type: "string", Description: "store: required."},
				{Name: "details", Type: "string"},
				{Name: "kind", Type: "string", Description: "bug, insight, pattern, improvement, question or note."},
				{Name: "severity", Type: "string"},
				{Name: "tags", Type: "array"},
				{Name: "supersedes", Type: "string", Description: "store: id of the note this one replaces."},
				{Name: "status", Type: "string", Description: "update_status: open, resolved or archived."},
				{Name: "query", Type: "string", Description: "search: required."},
				{Name: "author_uuid", Type: "string", Description: "list/search: filter by author."},
				{Name: "tag", Type: "string", Description: "list/search: filter by tag."},
				{Name: "limit", Type: "integer"},
				{Name: "offset", Type: "integer"},
				{Name: "retention_hours", Type: "integer", Description: "cleanup: override the retention window."},
			},
			Handler: d.opKnowledge,
		},
		{
			Name:        "observability",
			Description: "Read-side analysis: observe, compare, detect_anomalies, aggregate_metrics, telemetry.",
			Auth:        true,
			Params: []Param{
				{Name: "action", Type: "string", Required: true},
				{Name: "agent_uuid", Type: "string"},
				{Name: "agent_uuids", Type: "array", Description: "compare: two or more agents."},
				{Name: "window", Type: "integer", Description: "observe: history entries to analyze."},
				{Name: "statuses", Type: "array", Description: "aggregate_metrics: statuses to roll up."},
			},
			Handler: d.opObservability,
		},

		// Meta and operator surface.
		{
			Name:        "health_check",
			Description: "Liveness, component status and the semantic version of this surface.",
			Handler:     d.opHealthCheck,
		},
		{
			Name:        "list_operations",
			Description: "Every operation with its class and argument schema.",
			Handler:     d.opListOperations,
		},
		{
			Name:        "describe_operation",
			Description: "Full schema of one operation, including accepted aliases.",
			Params: []Param{
				{Name: "name", Type: "string", Required: true},
			},
			Handler: d.opDescribeOperation,
		},
		{
			Name:        "cleanup_stale_locks",
			Description: "Reap expired write-lock entries; cluster locks expire on their own.",
			Class:       ClassAdmin,
			Admin:       true,
			Handler:     d.opCleanupStaleLocks,
		},
	}

	byName := make(map[string]*Operation, len(table))
	for _, op := range table {
		byName[op.Name] = op
	}
	return byName
}

func submitParams(synthesis bool) []Param {
	params := []Param{
		{Name: "session_id", Type: "string", Required: true},
		{Name: "seq", Type: "integer", Required: true, Description: "The transcript slot this message claims; covered by the signature."},
		{Name: "timestamp", Type: "string", Required: true, Description: "RFC3339 authoring time; covered by the signature."},
		{Name: "signature", Type: "string", Required: true, Description: "HMAC-SHA256 of the canonical message encoding, keyed by the author's api key hash."},
		{Name: "reasoning", Type: "string", Required: true},
		{Name: "author_uuid", Type: "string", Description: "Defaults to the bound identity; a mismatch is rejected."},
		{Name: "root_cause", Type: "string"},
		{Name: "proposed_conditions", Type: "array", Description: "Structured conditions: kind, key, value, direction."},
		{Name: "observed_metrics", Type: "object"},
		{Name: "concerns", Type: "array"},
		{Name: "agrees", Type: "boolean"},
	}
	if synthesis {
		params = append(params, Param{
			Name: "human_input", Type: "string",
			Description: "Verbatim human guidance; summarized into the session when a summarizer is wired.",
		})
	}
	return params
}
