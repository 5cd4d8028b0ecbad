package errs

// Process exit codes, one per kind. 1 is reserved for untyped failures.
const (
	ExitSuccess        = 0
	ExitUnknown        = 1
	ExitConfiguration  = 2
	ExitValidation     = 3
	ExitAuthentication = 4
	ExitAuthorization  = 5
	ExitCeremony       = 6
	ExitCrypto         = 7
	ExitStorage        = 8
	ExitNetwork        = 9
	ExitProtocol       = 10
	ExitInternal       = 11
	ExitTimeout        = 12
)

var exitCodes = map[Kind]int{
	KindConfiguration:  ExitConfiguration,
	KindValidation:     ExitValidation,
	KindAuthentication: ExitAuthentication,
	KindAuthorization:  ExitAuthorization,
	KindCeremony:       ExitCeremony,
	KindCrypto:         ExitCrypto,
	KindStorage:        ExitStorage,
	KindNetwork:        ExitNetwork,
	KindProtocol:       ExitProtocol,
	KindInternal:       ExitInternal,
	KindTimeout:        ExitTimeout,
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	e, ok := As(err)
	if !ok {
		return ExitUnknown
	}
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return ExitUnknown
}
