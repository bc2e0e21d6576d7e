package service

import "fmt"

// safeProcessFailure calls the handler's ProcessFailure, which the contract
// requires to be total and non-panicking. If it panics anyway, the
// violation is undefined behavior per the handler contract; this core
// chooses to treat it as fatal to the connection rather than let a bad
// response or a crashed goroutine propagate silently.
func (s *Service[Req, Resp]) safeProcessFailure(req Req, err error) (resp Resp) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("service[%s]: ProcessFailure panicked (contract violation): %v", s.connID, r)
			s.terminateFatal(&FatalPushError{Conn: s.connID})
		}
	}()
	return s.handler.ProcessFailure(req, err)
}

// recordFailure records the "errors" metric and, if Config.LogErrors is
// set, an error-severity log line naming the request and the error class.
func (s *Service[Req, Resp]) recordFailure(req Req, err error) {
	s.recordError(req, classify(err), err)
}

func (s *Service[Req, Resp]) recordError(req Req, class ErrorClass, err error) {
	s.metrics.IncErrors(s.config.Name, class, Tags{"class": string(class)})
	if !s.config.LogErrors {
		return
	}
	s.logger.Errorf("service[%s]: %s: %v request=%s", s.connID, class, err, s.formatRequest(req))
}

// formatRequest renders a request for the error log via Config.RequestLogFormat,
// falling back to a generic rendering. A formatter that panics is caught and
// suppressed: logging must never be the reason a connection goes down.
func (s *Service[Req, Resp]) formatRequest(req Req) (out string) {
	if s.config.RequestLogFormat == nil {
		return fmt.Sprintf("%+v", req)
	}
	defer func() {
		if r := recover(); r != nil {
			out = "<requestLogFormat panicked>"
		}
	}()
	return s.config.RequestLogFormat(req)
}

// tags computes the metric tag set for a request/response pair via the
// injected TagDecorator, if any. A nil decorator yields no tags.
func (s *Service[Req, Resp]) tags(req Req, resp Resp) Tags {
	if s.tagFn == nil {
		return nil
	}
	return s.tagFn(req, resp)
}
