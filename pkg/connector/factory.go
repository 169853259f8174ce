package connector

type defaultFactory struct{}

func NewFactory() Factory {
	return &defaultFactory{}
}

func (f *defaultFactory) NewSSHConnector(pool *ConnectionPool) Connector {
	return NewSSHConnector(pool)
}

func (f *defaultFactory) NewLocalConnector() Connector {
	return NewLocalConnector()
}

var _ Factory = (*defaultFactory)(nil)
