package server

import "github.com/ftpengine/ftpd/internal/reply"

func (s *session) handleUSER(user string) error {
	s.user = user
	s.reply(int(reply.UserNameOKNeedPassword), reply.Text(reply.UserNameOKNeedPassword))
	return nil
}

func (s *session) handlePASS(pass string) error {
	ctx, err := s.server.driver.Authenticate(s.user, pass, s.host)
	if err != nil {
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.user,
			"reason", err.Error(),
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.user)
		}
		s.reply(int(reply.NotLoggedIn), "Login incorrect.")
		return nil
	}

	s.fs = ctx
	s.isLoggedIn = true
	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.user)
	}
	s.reply(int(reply.UserLoggedIn), reply.Text(reply.UserLoggedIn))
	return nil
}
