package core

import (
	"reflect"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

func Get[T state.ConnectorModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

func moduleName(m state.ConnectorModule) string {
	return reflect.TypeOf(m).String()
}
