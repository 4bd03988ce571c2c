package db

const (
	InsertJob = `
		INSERT INTO print_jobs (id, printer_name, document_name, document, copies, options_json, status, attempts, last_error, backend_id, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `
		SELECT id, printer_name, document_name, document, copies, options_json, status, attempts, last_error, backend_id, created_at, updated_at, completed_at
		FROM print_jobs WHERE id = ?
	`

	UpdateJob = `
		UPDATE print_jobs SET
			printer_name = ?, document_name = ?, document = ?, copies = ?, options_json = ?,
			status = ?, attempts = ?, last_error = ?, backend_id = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	ListJobs = `
		SELECT id, printer_name, document_name, copies, options_json, status, attempts, last_error, backend_id, created_at, updated_at, completed_at
		FROM print_jobs ORDER BY created_at DESC, id DESC LIMIT ?
	`

	ListJobsByStatus = `
		SELECT id, printer_name, document_name, copies, options_json, status, attempts, last_error, backend_id, created_at, updated_at, completed_at
		FROM print_jobs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`

	CountJobsByStatus = `
		SELECT status, COUNT(*) FROM print_jobs GROUP BY status
	`

	ResetSubmittingJobs = `
		UPDATE print_jobs SET status = 'pending', updated_at = ? WHERE status = 'submitting'
	`

	PurgeTerminalJobs = `
		DELETE FROM print_jobs
		WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?
	`

	ListTerminalJobsBefore = `
		SELECT id, printer_name, document_name, copies, options_json, status, attempts, last_error, backend_id, created_at, updated_at, completed_at
		FROM print_jobs
		WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at ASC
	`
)

const (
	InsertWebhook = `
		INSERT INTO webhook_subscriptions (name, url, secret, events_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at, updated_at
		FROM webhook_subscriptions WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at, updated_at
		FROM webhook_subscriptions ORDER BY name ASC
	`

	// A subscription with an empty event list receives every event.
	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at, updated_at
		FROM webhook_subscriptions
		WHERE enabled = 1 AND (events_json = '[]' OR events_json LIKE ?)
	`

	UpdateWebhook = `
		UPDATE webhook_subscriptions SET
			name = ?, url = ?, secret = ?, events_json = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhook_subscriptions WHERE id = ?`
)

const (
	InsertPreset = `
		INSERT INTO option_presets (name, description, printer_name, options_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`

	GetPresetByID = `
		SELECT id, name, description, printer_name, options_json, created_at, updated_at
		FROM option_presets WHERE id = ?
	`

	GetPresetByName = `
		SELECT id, name, description, printer_name, options_json, created_at, updated_at
		FROM option_presets WHERE name = ?
	`

	ListPresets = `
		SELECT id, name, description, printer_name, options_json, created_at, updated_at
		FROM option_presets ORDER BY name ASC
	`

	UpdatePreset = `
		UPDATE option_presets SET
			name = ?, description = ?, printer_name = ?, options_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	DeletePreset = `DELETE FROM option_presets WHERE id = ?`
)
