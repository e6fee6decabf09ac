package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Detector manages Sigma rules and detection over decoded trace events
type Detector struct {
	RulesDir   string
	db         *sql.DB
	log        zerolog.Logger
	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	running    bool
	eventTypes []string
	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
}

// SigmaMatch represents a trace event that matched a Sigma rule
type SigmaMatch struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"event_id"`
	EventType    string    `json:"event_type"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	SessionID    int64     `json:"session_id"`
	TaskID       int64     `json:"task_id"`
	TaskName     string    `json:"task_name"`
	EventTag     string    `json:"event_tag"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// traceFieldConfig maps the field names rules use to the columns
// FetchNewEvents exposes
func traceFieldConfig() sigma.Config {
	return sigma.Config{
		Title: "Trace Recorder Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"EventTag":  {TargetNames: []string{"EventTag"}},
			"Tag":       {TargetNames: []string{"EventTag"}},
			"TaskName":  {TargetNames: []string{"TaskName"}},
			"Task":      {TargetNames: []string{"TaskName"}},
			"TaskId":    {TargetNames: []string{"TaskId"}},
			"SessionId": {TargetNames: []string{"SessionId"}},
			"Arg":       {TargetNames: []string{"Arg"}},
			"Cycles":    {TargetNames: []string{"Cycles"}},
			"WallNs":    {TargetNames: []string{"WallNs"}},
			"Mode":      {TargetNames: []string{"Mode"}},
			"Source":    {TargetNames: []string{"Source"}},
		},
	}
}

// NewDetector creates a new Sigma detector
func NewDetector(rulesDir string, db *sql.DB, logger zerolog.Logger) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		log:        logger,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		running:    false,
		eventTypes: []string{"trace"},
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
	}

	// Create enabled_rules and disabled_rules directories if they don't exist
	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	disabledDir := filepath.Join(rulesDir, "disabled_rules")

	for _, dir := range []string{enabledDir, disabledDir} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
			}
		}
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %v", err)
	}

	if err := detector.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return detector, nil
}

func (sd *Detector) setupWatcher() error {
	// Only the enabled directory matters; edits under disabled_rules are
	// invisible until the file moves.
	enabledDir := filepath.Join(sd.RulesDir, "enabled_rules")

	if err := sd.watcher.Add(enabledDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}
	sd.log.Info().Str("dir", enabledDir).Msg("watching rule directory for changes")

	go sd.watchFileChanges()

	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return // Channel closed
			}

			// We only care about rule files
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.log.Info().Str("file", event.Name).Str("op", event.Op.String()).Msg("detected rule change")
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return // Channel closed
			}
			sd.log.Error().Err(err).Msg("file watcher error")
		}
	}
}

// LoadRules loads all Sigma rules from the enabled_rules directory
func (sd *Detector) LoadRules() error {
	enabledDir := filepath.Join(sd.RulesDir, "enabled_rules")

	if _, err := os.Stat(enabledDir); os.IsNotExist(err) {
		if err := os.MkdirAll(enabledDir, 0755); err != nil {
			return fmt.Errorf("failed to create enabled_rules directory: %v", err)
		}
	}

	files, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	loaded := make(map[string]*evaluator.RuleEvaluator)
	count := 0
	for _, file := range files {
		if file.IsDir() || (filepath.Ext(file.Name()) != ".yml" && filepath.Ext(file.Name()) != ".yaml") {
			continue
		}
		filePath := filepath.Join(enabledDir, file.Name())
		rule, ruleEvaluator, err := sd.loadRuleFile(filePath)
		if err != nil {
			sd.log.Warn().Str("file", filePath).Err(err).Msg("failed to load rule file")
			continue
		}
		loaded[rule.ID] = ruleEvaluator
		sd.log.Info().Str("title", rule.Title).Str("id", rule.ID).Msg("loaded rule")
		count++
	}

	sd.mu.Lock()
	sd.evaluators = loaded
	sd.mu.Unlock()

	sd.log.Info().Int("count", count).Str("dir", enabledDir).Msg("loaded Sigma rules")
	return nil
}

// ReloadRules signals the polling loop to reload rule files
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
		// Signal sent successfully
	default:
		// Channel already has a reload signal pending
	}
}

// loadRuleFile parses one rule file and builds its evaluator
func (sd *Detector) loadRuleFile(filePath string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	// Check if this is actually a rule file
	fileType := sigma.InferFileType(content)
	if fileType != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	options := []evaluator.Option{
		evaluator.WithConfig(traceFieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	return rule, evaluator.ForRule(rule, options...), nil
}

// RuleCount returns the number of currently loaded rules
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// GetLastProcessedID gets the last processed event row ID for an event type
func (sd *Detector) GetLastProcessedID(eventType string) (int64, error) {
	query := `SELECT last_id FROM detector_state WHERE event_type = ? LIMIT 1`

	var lastID int64
	err := sd.db.QueryRow(query, eventType).Scan(&lastID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Initialize this event type
			initQuery := `
			INSERT INTO detector_state
				(event_type, last_id, last_processed_time, updated_at)
			VALUES
				(?, 0, datetime('now'), datetime('now'))`

			_, err = sd.db.Exec(initQuery, eventType)
			if err != nil {
				return 0, fmt.Errorf("failed to initialize state for event type %s: %v", eventType, err)
			}
			return 0, nil
		}
		return 0, err
	}

	return lastID, nil
}

// UpdateDetectorState updates the state for an event type
func (sd *Detector) UpdateDetectorState(eventType string, lastID int64, matchCount int) error {
	query := `
	UPDATE detector_state SET
		last_id = ?,
		last_processed_time = datetime('now'),
		match_count = match_count + ?,
		updated_at = datetime('now')
	WHERE event_type = ?`

	_, err := sd.db.Exec(query, lastID, matchCount, eventType)
	return err
}

// CheckEvent checks if an event matches any Sigma rules and returns detailed match results
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}, eventType string) []MatchResult {
	sd.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(sd.evaluators))
	for _, e := range sd.evaluators {
		evaluators = append(evaluators, e)
	}
	sd.mu.RUnlock()

	var results []MatchResult

	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.log.Error().Str("event_type", eventType).Err(err).Msg("error evaluating event")
			continue
		}

		if result.Match {
			var matchConditions []string
			for k, v := range result.SearchResults {
				if v {
					matchConditions = append(matchConditions, k)
				}
			}

			matchResult := MatchResult{
				Match: true,
				Rule:  ruleEvaluator.Rule,
				MatchDetails: []string{
					fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
				},
			}

			results = append(results, matchResult)
			sd.log.Info().Str("rule", ruleEvaluator.Rule.ID).Strs("conditions", matchConditions).Msg("event matched rule")
		}
	}

	return results
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, event map[string]interface{}, eventType string) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %v", err)
	}

	// Extract event ID
	eventID, ok := event["id"].(int64)
	if !ok {
		if id, ok := event["id"].(int); ok {
			eventID = int64(id)
		} else {
			return fmt.Errorf("event has no valid ID")
		}
	}

	var sessionID, taskID int64
	var taskName, eventTag string

	if id, ok := event["SessionId"].(int64); ok {
		sessionID = id
	}
	if id, ok := event["TaskId"].(int64); ok {
		taskID = id
	}
	if name, ok := event["TaskName"].(string); ok {
		taskName = name
	}
	if tag, ok := event["EventTag"].(string); ok {
		eventTag = tag
	}

	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	query := `
	INSERT INTO sigma_matches (
		event_id,
		event_type,
		rule_id,
		rule_name,
		session_id,
		task_id,
		task_name,
		event_tag,
		timestamp,
		severity,
		status,
		match_details,
		event_data,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?, 'new', ?, ?, datetime('now'))`

	_, err = sd.db.Exec(
		query,
		eventID,
		eventType,
		match.Rule.ID,
		match.Rule.Title,
		sessionID,
		taskID,
		taskName,
		eventTag,
		severity,
		string(matchDetailsJSON),
		string(eventDataJSON),
	)

	if err != nil {
		return fmt.Errorf("failed to insert match: %v", err)
	}

	sd.log.Info().Str("rule", match.Rule.ID).Str("title", match.Rule.Title).Msg("stored match")
	return nil
}

// StartPolling starts polling for all event types
func (sd *Detector) StartPolling(ctx context.Context, interval time.Duration) error {
	if sd.running {
		return fmt.Errorf("detector is already running")
	}

	sd.running = true

	var wg sync.WaitGroup

	// Start rule reloader goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sd.reloadChan:
				sd.log.Info().Msg("reloading Sigma rules")
				if err := sd.LoadRules(); err != nil {
					sd.log.Error().Err(err).Msg("error reloading rules")
				}
			}
		}
	}()

	// Start event type pollers
	for _, eventType := range sd.eventTypes {
		eventType := eventType
		wg.Add(1)

		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					sd.log.Info().Str("event_type", eventType).Msg("stopping event polling")
					return
				case <-ticker.C:
					if err := sd.pollOnce(ctx, eventType); err != nil {
						sd.log.Error().Str("event_type", eventType).Err(err).Msg("polling pass failed")
					}
				}
			}
		}()

		sd.log.Info().Str("event_type", eventType).Msg("started polling")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		sd.log.Info().Msg("Sigma detection stopping")
		select {
		case <-done:
			sd.log.Info().Msg("Sigma detection stopped gracefully")
		case <-time.After(5 * time.Second):
			sd.log.Warn().Msg("some Sigma detection goroutines didn't stop in time")
		}
	case <-done:
		sd.log.Info().Msg("Sigma detection stopped")
	}

	sd.running = false
	return nil
}

// pollOnce fetches events past the high-water mark, evaluates them against
// the loaded rules and stores any matches
func (sd *Detector) pollOnce(ctx context.Context, eventType string) error {
	lastID, err := sd.GetLastProcessedID(eventType)
	if err != nil {
		return fmt.Errorf("retrieving last processed ID: %v", err)
	}

	events, err := sd.FetchNewEvents(eventType, lastID)
	if err != nil {
		return fmt.Errorf("fetching events: %v", err)
	}
	if len(events) == 0 {
		return nil
	}

	sd.log.Debug().Int("count", len(events)).Str("event_type", eventType).Msg("processing new events")

	var newLastID int64
	var matchCount int

	for _, event := range events {
		if ctx.Err() != nil {
			return nil
		}

		id := event["id"].(int64)
		if id > newLastID {
			newLastID = id
		}

		matches := sd.CheckEvent(ctx, event, eventType)
		for _, match := range matches {
			if err := sd.StoreMatch(match, event, eventType); err != nil {
				sd.log.Error().Err(err).Msg("error storing match")
			}
			matchCount++
		}
	}

	if ctx.Err() == nil && newLastID > lastID {
		if err := sd.UpdateDetectorState(eventType, newLastID, matchCount); err != nil {
			return fmt.Errorf("updating state: %v", err)
		}
	}
	return nil
}

// StopPolling stops the polling
func (sd *Detector) StopPolling() {
	sd.running = false
	if sd.watcher != nil {
		sd.watcher.Close()
	}

	sd.log.Info().Msg("Sigma detection polling stopped")
}

// FetchNewEvents fetches new events of a specific type as field maps for
// rule evaluation
func (sd *Detector) FetchNewEvents(eventType string, lastID int64) ([]map[string]interface{}, error) {
	var query string

	switch eventType {
	case "trace":
		query = `
		SELECT
			e.id,
			e.tag as EventTag,
			e.task_id as TaskId,
			e.name as TaskName,
			e.arg as Arg,
			e.cycles as Cycles,
			e.wall_ns as WallNs,
			e.session_id as SessionId,
			e.anchored as Anchored,
			s.mode as Mode,
			s.source as Source
		FROM trace_events e
		LEFT JOIN sessions s ON e.session_id = s.id
		WHERE e.id > ?
		ORDER BY e.id ASC
		LIMIT 1000`
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	rows, err := sd.db.Query(query, lastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]interface{}

	for rows.Next() {
		var (
			id        int64
			eventTag  sql.NullString
			taskID    sql.NullInt64
			taskName  sql.NullString
			arg       sql.NullInt64
			cycles    sql.NullInt64
			wallNs    sql.NullInt64
			sessionID sql.NullInt64
			anchored  sql.NullBool
			mode      sql.NullString
			source    sql.NullString
		)

		err := rows.Scan(
			&id,
			&eventTag,
			&taskID,
			&taskName,
			&arg,
			&cycles,
			&wallNs,
			&sessionID,
			&anchored,
			&mode,
			&source,
		)
		if err != nil {
			return nil, err
		}

		event := map[string]interface{}{
			"id": id,
		}

		if eventTag.Valid {
			event["EventTag"] = eventTag.String
		}
		if taskID.Valid {
			event["TaskId"] = taskID.Int64
		}
		if taskName.Valid {
			event["TaskName"] = taskName.String
		}
		if arg.Valid {
			event["Arg"] = arg.Int64
		}
		if cycles.Valid {
			event["Cycles"] = cycles.Int64
		}
		if wallNs.Valid {
			event["WallNs"] = wallNs.Int64
		}
		if sessionID.Valid {
			event["SessionId"] = sessionID.Int64
		}
		if anchored.Valid {
			event["Anchored"] = anchored.Bool
		}
		if mode.Valid {
			event["Mode"] = mode.String
		}
		if source.Valid {
			event["Source"] = source.String
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// GetMatches retrieves sigma matches from the database with filters
func (sd *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]SigmaMatch, error) {
	query := `
    SELECT
        id, event_id, event_type, rule_id, rule_name,
        session_id, task_id, task_name, event_tag,
        timestamp, severity, status, match_details, event_data, created_at
    FROM sigma_matches`

	whereClause := []string{}
	args := []interface{}{}

	if status, ok := filters["status"]; ok && status != "" && status != "all" {
		whereClause = append(whereClause, "status = ?")
		args = append(args, status)
	}

	if severity, ok := filters["severity"]; ok && severity != "" && severity != "all" {
		whereClause = append(whereClause, "severity = ?")
		args = append(args, severity)
	}

	if ruleID, ok := filters["rule"]; ok && ruleID != "" && ruleID != "all" {
		whereClause = append(whereClause, "rule_id = ?")
		args = append(args, ruleID)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sd.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []SigmaMatch

	for rows.Next() {
		var match SigmaMatch
		var matchDetailsJSON, eventDataJSON string

		err := rows.Scan(
			&match.ID, &match.EventID, &match.EventType, &match.RuleID, &match.RuleName,
			&match.SessionID, &match.TaskID, &match.TaskName, &match.EventTag,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventDataJSON, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(matchDetailsJSON), &match.MatchDetails)
		match.EventData = eventDataJSON

		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return matches, nil
}

// GetMatchStats retrieves statistics about sigma matches
func (sd *Detector) GetMatchStats() (map[string]interface{}, error) {
	var totalRules int
	err := sd.db.QueryRow("SELECT COUNT(*) FROM (SELECT DISTINCT rule_id FROM sigma_matches)").Scan(&totalRules)
	if err != nil {
		return nil, err
	}

	sevCounts := make(map[string]int)
	rows, err := sd.db.Query("SELECT severity, COUNT(*) FROM sigma_matches GROUP BY severity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		sevCounts[severity] = count
	}

	statusCounts := make(map[string]int)
	rows, err = sd.db.Query("SELECT status, COUNT(*) FROM sigma_matches GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		statusCounts[status] = count
	}

	var last24h int
	yesterday := time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	err = sd.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > ?", yesterday).Scan(&last24h)
	if err != nil {
		return nil, err
	}

	var last7d int
	lastWeek := time.Now().Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	err = sd.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > ?", lastWeek).Scan(&last7d)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"totalRules":     totalRules,
		"activeRules":    sd.RuleCount(),
		"alertsLast24h":  last24h,
		"alertsLast7d":   last7d,
		"severityCounts": sevCounts,
		"statusCounts":   statusCounts,
	}, nil
}

// UpdateMatchStatus updates the status of a match
func (sd *Detector) UpdateMatchStatus(matchID int64, newStatus string) error {
	validStatuses := map[string]bool{
		"new":            true,
		"in_progress":    true,
		"resolved":       true,
		"false_positive": true,
	}

	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	_, err := sd.db.Exec(
		"UPDATE sigma_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)

	return err
}
