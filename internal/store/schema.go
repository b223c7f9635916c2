package store

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initAgentSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initContextSchema(); err != nil {
		return err
	}
	if err := s.initMessagingSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	return s.initConfigSchema()
}

func (s *Store) initAgentSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		capabilities TEXT DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'created',
		current_task TEXT,
		working_directory TEXT NOT NULL DEFAULT '',
		color TEXT DEFAULT '',
		tmux_session TEXT DEFAULT '',
		is_tester INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		terminated_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		task_id TEXT,
		details TEXT DEFAULT '{}',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE INDEX IF NOT EXISTS idx_agents_token ON agents(token);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_agent_id ON agent_actions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_task_id ON agent_actions(task_id);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_timestamp ON agent_actions(timestamp);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		assigned_to TEXT,
		created_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'created',
		priority TEXT NOT NULL DEFAULT 'medium',
		parent_task TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on),
		FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task);
	CREATE INDEX IF NOT EXISTS idx_task_notes_task_id ON task_notes(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_dependencies(depends_on);
	`)
	return err
}

func (s *Store) initContextSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS project_context (
		context_key TEXT PRIMARY KEY,
		context_value TEXT NOT NULL DEFAULT 'null',
		description TEXT DEFAULT '',
		updated_by TEXT NOT NULL,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_metadata (
		filepath TEXT PRIMARY KEY,
		metadata TEXT NOT NULL DEFAULT '{}',
		content_hash TEXT DEFAULT '',
		updated_by TEXT NOT NULL,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_project_context_updated ON project_context(last_updated);
	`)
	return err
}

func (s *Store) initMessagingSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_messages (
		message_id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'direct',
		priority TEXT NOT NULL DEFAULT 'normal',
		delivered INTEGER NOT NULL DEFAULT 0,
		read INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assistance_requests (
		request_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		task_id TEXT,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		resolution TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON agent_messages(recipient_id, read);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON agent_messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_assistance_status ON assistance_requests(status);
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		transport_state TEXT DEFAULT '{}',
		working_directory TEXT DEFAULT '',
		recovery_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		disconnected_at TIMESTAMP,
		grace_period_expires TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS session_state (
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		state_key TEXT NOT NULL,
		state_value TEXT NOT NULL DEFAULT 'null',
		last_updated TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		PRIMARY KEY (agent_id, session_id, state_key)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_grace ON sessions(grace_period_expires);
	CREATE INDEX IF NOT EXISTS idx_session_state_session ON session_state(session_id);
	CREATE INDEX IF NOT EXISTS idx_session_state_expires ON session_state(expires_at);
	`)
	return err
}

func (s *Store) initConfigSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS admin_config (
		config_key TEXT PRIMARY KEY,
		config_value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}
