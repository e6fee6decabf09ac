package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/rs/zerolog"

	"github.com/embtrace/rtos-recorder/archive"
	"github.com/embtrace/rtos-recorder/sigma"
)

type Server struct {
	db            *sql.DB
	sigmaDetector *sigma.Detector
	captures      *archive.Store
	listenAddr    string
	log           zerolog.Logger
}

func NewServer(db *sql.DB, sigmaDetector *sigma.Detector, captures *archive.Store, listenAddr string, logger zerolog.Logger) *Server {
	return &Server{
		db:            db,
		sigmaDetector: sigmaDetector,
		captures:      captures,
		listenAddr:    listenAddr,
		log:           logger,
	}
}

// routes builds the request mux. Split out from Start so tests can drive
// the handlers through httptest without opening a port.
func (s *Server) routes() *http.ServeMux {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("http request")
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", debugHandler(s.handleIndex))
	mux.HandleFunc("/api/sessions", debugHandler(s.handleSessions))
	mux.HandleFunc("/api/events", debugHandler(s.handleEvents))
	mux.HandleFunc("/api/tasks", debugHandler(s.handleTaskStats))
	mux.HandleFunc("/api/isrs", debugHandler(s.handleISRStats))
	mux.HandleFunc("/api/markers", debugHandler(s.handleMarkerStats))

	if s.captures != nil {
		mux.HandleFunc("/api/captures", debugHandler(s.handleCaptures))
	}

	// Add Sigma routes if detector is available
	if s.sigmaDetector != nil {
		mux.HandleFunc("/api/sigma/rules", debugHandler(s.handleSigmaRules))
		mux.HandleFunc("/api/sigma/rules/toggle/", debugHandler(s.handleSigmaRuleToggle))
		mux.HandleFunc("/api/sigma/rules/upload", debugHandler(s.handleSigmaRuleUpload))
		mux.HandleFunc("/api/sigma/matches", debugHandler(s.handleSigmaMatchesList))
		mux.HandleFunc("/api/sigma/matches/", debugHandler(s.handleSigmaMatchOperation))
		mux.HandleFunc("/api/sigma/stats", debugHandler(s.handleSigmaStats))
	}

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.routes(),
	}

	s.log.Info().Str("addr", s.listenAddr).Msg("starting web server")

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleIndex serves the main HTML page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	tmpl := template.Must(template.New("index").Parse(indexTemplate))
	if err := tmpl.Execute(w, nil); err != nil {
		s.log.Error().Err(err).Msg("error executing template")
	}
}

// handleSessions serves the session list, or one session with its
// aggregated statistics when ?id= is given
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	idParam := r.URL.Query().Get("id")
	if idParam != "" {
		s.handleSessionDetail(w, r, idParam)
		return
	}

	rows, err := s.db.Query(`
        SELECT
            id, started, ended, source, mode, description, frequency,
            records, bytes, episodes, dropped, cuts, idle_cycles, snapshot_hash
        FROM sessions
        ORDER BY started DESC
        LIMIT 100
    `)
	if err != nil {
		s.log.Error().Err(err).Msg("database query error")
		http.Error(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			s.log.Error().Err(err).Msg("error scanning row")
			http.Error(w, err.Error(), 500)
			return
		}
		sessions = append(sessions, session)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

func scanSessionRow(rows *sql.Rows) (SessionRow, error) {
	var (
		session  SessionRow
		ended    sql.NullTime
		desc     sql.NullString
		snapshot sql.NullString
	)
	err := rows.Scan(
		&session.ID, &session.Started, &ended, &session.Source, &session.Mode,
		&desc, &session.Frequency, &session.Records, &session.Bytes,
		&session.Episodes, &session.Dropped, &session.Cuts,
		&session.IdleCycles, &snapshot,
	)
	if err != nil {
		return SessionRow{}, err
	}
	if ended.Valid {
		t := ended.Time
		session.Ended = &t
	}
	if desc.Valid {
		session.Description = desc.String
	}
	if snapshot.Valid {
		session.SnapshotHash = snapshot.String
	}
	return session, nil
}

// handleSessionDetail returns one session together with its task, ISR and
// marker statistics
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, idParam string) {
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		http.Error(w, "Invalid session ID", 400)
		return
	}

	rows, err := s.db.Query(`
        SELECT
            id, started, ended, source, mode, description, frequency,
            records, bytes, episodes, dropped, cuts, idle_cycles, snapshot_hash
        FROM sessions
        WHERE id = ?
    `, id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	if !rows.Next() {
		http.Error(w, "Session not found", 404)
		return
	}
	session, err := scanSessionRow(rows)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	rows.Close()

	tasks, err := s.fetchTaskStats(id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	isrs, err := s.fetchISRStats(id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	markers, err := s.fetchMarkerStats(id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	result := map[string]interface{}{
		"session": session,
		"tasks":   tasks,
		"isrs":    isrs,
		"markers": markers,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleEvents serves the decoded event timeline for a session
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionParam := r.URL.Query().Get("session")
	if sessionParam == "" {
		http.Error(w, "Missing session parameter", 400)
		return
	}
	sessionID, err := strconv.ParseInt(sessionParam, 10, 64)
	if err != nil {
		http.Error(w, "Invalid session parameter", 400)
		return
	}

	limit := 500
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit parameter", 400)
			return
		}
		if n > 5000 {
			n = 5000
		}
		limit = n
	}

	query := `
        SELECT id, session_id, seq, tag, cycles, wall_ns, task_id, arg, name, anchored
        FROM trace_events`

	whereClause := []string{"session_id = ?"}
	args := []interface{}{sessionID}

	if afterParam := r.URL.Query().Get("after"); afterParam != "" {
		after, err := strconv.ParseInt(afterParam, 10, 64)
		if err != nil {
			http.Error(w, "Invalid after parameter", 400)
			return
		}
		whereClause = append(whereClause, "id > ?")
		args = append(args, after)
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		whereClause = append(whereClause, "tag = ?")
		args = append(args, tag)
	}
	if taskParam := r.URL.Query().Get("task"); taskParam != "" {
		taskID, err := strconv.ParseUint(taskParam, 10, 32)
		if err != nil {
			http.Error(w, "Invalid task parameter", 400)
			return
		}
		whereClause = append(whereClause, "task_id = ?")
		args = append(args, taskID)
	}

	query += " WHERE " + strings.Join(whereClause, " AND ")
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.log.Error().Err(err).Msg("database query error")
		http.Error(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var ev EventRow
		err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.Seq, &ev.Tag, &ev.Cycles,
			&ev.WallNs, &ev.TaskID, &ev.Arg, &ev.Name, &ev.Anchored,
		)
		if err != nil {
			s.log.Error().Err(err).Msg("error scanning row")
			http.Error(w, err.Error(), 500)
			return
		}
		events = append(events, ev)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func (s *Server) sessionStatsParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sessionParam := r.URL.Query().Get("session")
	if sessionParam == "" {
		http.Error(w, "Missing session parameter", 400)
		return 0, false
	}
	sessionID, err := strconv.ParseInt(sessionParam, 10, 64)
	if err != nil {
		http.Error(w, "Invalid session parameter", 400)
		return 0, false
	}
	return sessionID, true
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionStatsParam(w, r)
	if !ok {
		return
	}
	tasks, err := s.fetchTaskStats(sessionID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

func (s *Server) handleISRStats(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionStatsParam(w, r)
	if !ok {
		return
	}
	isrs, err := s.fetchISRStats(sessionID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(isrs)
}

func (s *Server) handleMarkerStats(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionStatsParam(w, r)
	if !ok {
		return
	}
	markers, err := s.fetchMarkerStats(sessionID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markers)
}

func (s *Server) fetchTaskStats(sessionID int64) ([]TaskRow, error) {
	rows, err := s.db.Query(`
        SELECT task_id, name, priority, switches, run_cycles,
               ready_count, ready_cycle_sum, ready_cycle_max, created, terminated
        FROM task_stats
        WHERE session_id = ?
        ORDER BY run_cycles DESC
    `, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []TaskRow
	for rows.Next() {
		var t TaskRow
		err := rows.Scan(
			&t.TaskID, &t.Name, &t.Priority, &t.Switches, &t.RunCycles,
			&t.ReadyCount, &t.ReadyCycleSum, &t.ReadyCycleMax, &t.Created, &t.Terminated,
		)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Server) fetchISRStats(sessionID int64) ([]ISRRow, error) {
	rows, err := s.db.Query(`
        SELECT number, name, enters, cycles, max_nesting
        FROM isr_stats
        WHERE session_id = ?
        ORDER BY cycles DESC
    `, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var isrs []ISRRow
	for rows.Next() {
		var i ISRRow
		if err := rows.Scan(&i.Number, &i.Name, &i.Enters, &i.Cycles, &i.MaxNesting); err != nil {
			return nil, err
		}
		isrs = append(isrs, i)
	}
	return isrs, rows.Err()
}

func (s *Server) fetchMarkerStats(sessionID int64) ([]MarkerRow, error) {
	rows, err := s.db.Query(`
        SELECT marker, hits, spans, span_cycles, span_max
        FROM marker_stats
        WHERE session_id = ?
        ORDER BY marker ASC
    `, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markers []MarkerRow
	for rows.Next() {
		var m MarkerRow
		if err := rows.Scan(&m.MarkerID, &m.Hits, &m.Spans, &m.SpanCycles, &m.SpanMax); err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// handleCaptures serves archived snapshot captures for download
func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		http.Error(w, "Missing hash parameter", 400)
		return
	}
	if len(hash) < 2 || strings.ContainsAny(hash, "/\\.") {
		http.Error(w, "Invalid hash parameter", 400)
		return
	}

	capturePath := s.captures.Path(hash)
	if _, err := os.Stat(capturePath); os.IsNotExist(err) {
		http.Error(w, "Capture not found", 404)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.trace", hash))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, capturePath)
}

// handleSigmaRules returns an http.HandlerFunc for Sigma rule listing
func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabledDir := filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules")
	disabledDir := filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")

	// Collect all rules
	var rules []map[string]interface{}

	enabledRules, err := s.readRulesFromDir(enabledDir, true)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading enabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	rules = append(rules, enabledRules...)

	disabledRules, err := s.readRulesFromDir(disabledDir, false)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading disabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	rules = append(rules, disabledRules...)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rules)
}

// readRulesFromDir reads and parses Sigma rules from a directory
func (s *Server) readRulesFromDir(dir string, enabled bool) ([]map[string]interface{}, error) {
	var rules []map[string]interface{}

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Directory doesn't exist, return empty slice
			return rules, nil
		}
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || (!strings.HasSuffix(file.Name(), ".yml") && !strings.HasSuffix(file.Name(), ".yaml")) {
			continue
		}
		filePath := filepath.Join(dir, file.Name())

		content, err := os.ReadFile(filePath)
		if err != nil {
			// Skip files that can't be read
			continue
		}

		rule, err := sigmago.ParseRule(content)
		if err != nil {
			// Skip files that can't be parsed
			continue
		}

		rules = append(rules, ruleToMap(rule, filePath, file.Name(), enabled, string(content)))
	}

	return rules, nil
}

// ruleToMap converts a parsed rule to a map for JSON serialization
func ruleToMap(rule sigmago.Rule, filePath, fileName string, enabled bool, yaml string) map[string]interface{} {
	ruleMap := map[string]interface{}{
		"id":          rule.ID,
		"title":       rule.Title,
		"description": rule.Description,
		"level":       rule.Level,
		"author":      rule.Author,
		"tags":        rule.Tags,
		"references":  rule.References,
		"filepath":    filePath,
		"filename":    fileName,
		"enabled":     enabled,
	}
	if yaml != "" {
		ruleMap["yaml"] = yaml
	}
	// For date information, check if it exists in AdditionalFields
	if date, ok := rule.AdditionalFields["date"]; ok {
		ruleMap["date"] = date
	}
	if modified, ok := rule.AdditionalFields["modified"]; ok {
		ruleMap["modified"] = modified
	}
	return ruleMap
}

// findRuleFile locates the rule file carrying the given rule ID in a directory
func findRuleFile(dir, ruleID string) (path, name string) {
	files, _ := os.ReadDir(dir)
	for _, file := range files {
		if file.IsDir() || (!strings.HasSuffix(file.Name(), ".yml") && !strings.HasSuffix(file.Name(), ".yaml")) {
			continue
		}
		filePath := filepath.Join(dir, file.Name())
		content, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		if rule.ID == ruleID {
			return filePath, file.Name()
		}
	}
	return "", ""
}

// handleSigmaRuleToggle moves a rule between the enabled and disabled
// directories
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract rule ID from path by removing the prefix
	ruleID := strings.TrimPrefix(r.URL.Path, "/api/sigma/rules/toggle/")
	if ruleID == "" {
		http.Error(w, "Rule ID required", http.StatusBadRequest)
		return
	}

	s.log.Info().Str("rule", ruleID).Msg("toggling rule")

	enabledDir := filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules")
	disabledDir := filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")

	var targetDir string
	var ruleEnabled bool

	filePath, fileName := findRuleFile(enabledDir, ruleID)
	if filePath != "" {
		targetDir = disabledDir
		ruleEnabled = false
	} else {
		filePath, fileName = findRuleFile(disabledDir, ruleID)
		if filePath != "" {
			targetDir = enabledDir
			ruleEnabled = true
		}
	}

	if filePath == "" {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	// Move file from source to target directory
	content, err := os.ReadFile(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading rule file: %v", err), http.StatusInternalServerError)
		return
	}

	targetPath := filepath.Join(targetDir, fileName)
	if err := os.WriteFile(targetPath, content, 0644); err != nil {
		http.Error(w, fmt.Sprintf("Error writing rule file: %v", err), http.StatusInternalServerError)
		return
	}

	if err := os.Remove(filePath); err != nil {
		http.Error(w, fmt.Sprintf("Error removing original rule file: %v", err), http.StatusInternalServerError)
		return
	}

	// No need to explicitly call ReloadRules since the file watcher will
	// detect the changes and trigger a reload automatically

	rule, _ := sigmago.ParseRule(content)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ruleToMap(rule, targetPath, fileName, ruleEnabled, ""))
}

// handleSigmaRuleUpload accepts a new rule file
func (s *Server) handleSigmaRuleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
		Enabled  bool   `json:"enabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if request.Content == "" || request.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}

	if !strings.HasSuffix(request.Filename, ".yml") && !strings.HasSuffix(request.Filename, ".yaml") {
		http.Error(w, "Filename must have .yml or .yaml extension", http.StatusBadRequest)
		return
	}
	if request.Filename != filepath.Base(request.Filename) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	// Try to parse the rule to validate it
	rule, err := sigmago.ParseRule([]byte(request.Content))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid rule format: %v", err), http.StatusBadRequest)
		return
	}

	var targetDir string
	if request.Enabled {
		targetDir = filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules")
	} else {
		targetDir = filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")
	}

	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create directory: %v", err), http.StatusInternalServerError)
			return
		}
	}

	filePath := filepath.Join(targetDir, request.Filename)
	if err := os.WriteFile(filePath, []byte(request.Content), 0644); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write file: %v", err), http.StatusInternalServerError)
		return
	}

	// No need to explicitly call ReloadRules since the file watcher will
	// detect the changes and trigger a reload automatically

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ruleToMap(rule, filePath, request.Filename, request.Enabled, ""))
}

// handleSigmaMatchesList returns an http.HandlerFunc for listing Sigma matches
func (s *Server) handleSigmaMatchesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filters := map[string]string{
		"status":   r.URL.Query().Get("status"),
		"severity": r.URL.Query().Get("severity"),
		"rule":     r.URL.Query().Get("rule"),
	}

	matches, err := s.sigmaDetector.GetMatches(100, 0, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(matches)
}

// handleSigmaMatchOperation returns an http.HandlerFunc for operations on individual matches
func (s *Server) handleSigmaMatchOperation(w http.ResponseWriter, r *http.Request) {
	// Extract match ID from URL path - /api/sigma/matches/{id}
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 5 {
		http.Error(w, "Invalid match ID", http.StatusBadRequest)
		return
	}

	matchID, err := strconv.ParseInt(pathParts[4], 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		// Update match status
		var request struct {
			Status string `json:"status"`
		}

		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		s.log.Info().Int64("match", matchID).Str("status", request.Status).Msg("updating match status")

		if err := s.sigmaDetector.UpdateMatchStatus(matchID, request.Status); err != nil {
			http.Error(w, fmt.Sprintf("Error updating match status: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     matchID,
			"status": request.Status,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSigmaStats returns aggregate match statistics
func (s *Server) handleSigmaStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.sigmaDetector.GetMatchStats()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching stats: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// Template for the index page
const indexTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>RTOS Trace Recorder</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: ui-monospace, monospace; margin: 0; background: #11151c; color: #d8dee9; }
        header { padding: 12px 20px; background: #171c26; border-bottom: 1px solid #2a3140; }
        h1 { font-size: 16px; margin: 0; }
        main { padding: 20px; display: grid; gap: 20px; }
        section { background: #171c26; border: 1px solid #2a3140; border-radius: 6px; padding: 14px; }
        h2 { font-size: 13px; margin: 0 0 10px; color: #88c0d0; text-transform: uppercase; }
        table { border-collapse: collapse; width: 100%; font-size: 12px; }
        th, td { text-align: left; padding: 4px 10px; border-bottom: 1px solid #222835; }
        th { color: #6b7689; font-weight: normal; }
        tr.sel { background: #1f2736; }
        tbody tr:hover { background: #1b2230; cursor: pointer; }
        .sev-high, .sev-critical { color: #bf616a; }
        .sev-medium { color: #ebcb8b; }
        .sev-low { color: #a3be8c; }
        .muted { color: #6b7689; }
    </style>
</head>
<body>
<header><h1>RTOS Trace Recorder</h1></header>
<main>
    <section>
        <h2>Sessions</h2>
        <table>
            <thead><tr><th>ID</th><th>Started</th><th>Source</th><th>Mode</th><th>Records</th><th>Dropped</th><th>Cuts</th><th>Freq (Hz)</th></tr></thead>
            <tbody id="sessions"></tbody>
        </table>
    </section>
    <section>
        <h2>Session detail</h2>
        <div id="detail" class="muted">Select a session.</div>
    </section>
    <section>
        <h2>Rule matches</h2>
        <table>
            <thead><tr><th>Time</th><th>Rule</th><th>Severity</th><th>Task</th><th>Event</th><th>Status</th></tr></thead>
            <tbody id="matches"></tbody>
        </table>
    </section>
</main>
<script>
var selected = null;

function cell(text, cls) {
    var td = document.createElement('td');
    td.textContent = text === null || text === undefined ? '' : text;
    if (cls) td.className = cls;
    return td;
}

function loadSessions() {
    fetch('/api/sessions').then(function (r) { return r.json(); }).then(function (sessions) {
        var body = document.getElementById('sessions');
        body.innerHTML = '';
        (sessions || []).forEach(function (s) {
            var tr = document.createElement('tr');
            if (s.id === selected) tr.className = 'sel';
            tr.appendChild(cell(s.id));
            tr.appendChild(cell(new Date(s.started).toLocaleString()));
            tr.appendChild(cell(s.source));
            tr.appendChild(cell(s.mode));
            tr.appendChild(cell(s.records));
            tr.appendChild(cell(s.dropped));
            tr.appendChild(cell(s.cuts));
            tr.appendChild(cell(s.frequency));
            tr.onclick = function () { selected = s.id; showSession(s.id); loadSessions(); };
            body.appendChild(tr);
        });
    });
}

function statsTable(title, head, rows) {
    var html = '<h2>' + title + '</h2><table><thead><tr>';
    head.forEach(function (h) { html += '<th>' + h + '</th>'; });
    html += '</tr></thead><tbody>';
    rows.forEach(function (r) {
        html += '<tr>';
        r.forEach(function (v) { html += '<td>' + (v === undefined ? '' : v) + '</td>'; });
        html += '</tr>';
    });
    return html + '</tbody></table>';
}

function showSession(id) {
    fetch('/api/sessions?id=' + id).then(function (r) { return r.json(); }).then(function (d) {
        var s = d.session;
        var html = '<p>' + s.mode + ' capture from <b>' + s.source + '</b>';
        if (s.description) html += ' (' + s.description + ')';
        html += ' at ' + s.frequency + ' Hz. Records: ' + s.records + ', loss episodes: ' + s.episodes +
            ', dropped: ' + s.dropped + ', cuts: ' + s.cuts + '.';
        if (s.snapshotHash) html += ' <a href="/api/captures?hash=' + s.snapshotHash + '">download capture</a>';
        html += '</p>';
        html += statsTable('Tasks', ['ID', 'Name', 'Prio', 'Switches', 'Run cycles', 'Ready count', 'Ready max'],
            (d.tasks || []).map(function (t) { return [t.taskId, t.name, t.priority, t.switches, t.runCycles, t.readyCount, t.readyCycleMax]; }));
        html += statsTable('ISRs', ['Number', 'Name', 'Enters', 'Cycles', 'Max nesting'],
            (d.isrs || []).map(function (i) { return [i.number, i.name, i.enters, i.cycles, i.maxNesting]; }));
        html += statsTable('Markers', ['ID', 'Hits', 'Spans', 'Span cycles', 'Span max'],
            (d.markers || []).map(function (m) { return [m.markerId, m.hits, m.spans, m.spanCycles, m.spanMax]; }));
        document.getElementById('detail').innerHTML = html;
    });
}

function loadMatches() {
    fetch('/api/sigma/matches').then(function (r) {
        if (!r.ok) return [];
        return r.json();
    }).then(function (matches) {
        var body = document.getElementById('matches');
        body.innerHTML = '';
        (matches || []).forEach(function (m) {
            var tr = document.createElement('tr');
            tr.appendChild(cell(new Date(m.timestamp).toLocaleString()));
            tr.appendChild(cell(m.rule_name));
            tr.appendChild(cell(m.severity, 'sev-' + m.severity));
            tr.appendChild(cell(m.task_name));
            tr.appendChild(cell(m.event_tag));
            tr.appendChild(cell(m.status));
            body.appendChild(tr);
        });
    });
}

loadSessions();
loadMatches();
setInterval(loadSessions, 5000);
setInterval(loadMatches, 5000);
</script>
</body>
</html>
`
