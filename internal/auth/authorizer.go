package auth

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

// Authorizer decides whether a role may call an endpoint, using a casbin
// model whose requests are (subject, path, method).
type Authorizer struct {
	enforcer *casbin.Enforcer
}

func NewAuthorizer(modelPath, policyPath string) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization model: %w", err)
	}
	enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("failed to load authorization policy: %w", err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// Authorize allows the request when any of the roles is allowed.
func (a *Authorizer) Authorize(roles []string, path, method string) (bool, error) {
	if len(roles) == 0 {
		roles = []string{""}
	}
	for _, role := range roles {
		ok, err := a.enforcer.Enforce(SubjectFromRole(role), path, method)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
