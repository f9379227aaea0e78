// Package memtransport предоставляет in-memory реализацию transport.Transport для тестирования.
//
// Registry хранит "серверы", доступные по URL точки подключения. Transport
// перебирает точки подключения так же, как WebSocket транспорт, и подключается
// к первому зарегистрированному серверу. Тест читает отправленные клиентом
// сообщения через Server.Received и доставляет ответы через Server.Deliver.
//
// Пример использования:
//
//	registry := memtransport.NewRegistry()
//	srv := registry.Listen("wss://proxy.example.com/ws")
//
//	ep, _ := transport.ParseEndpoint("wss://proxy.example.com/ws")
//	tr := registry.NewTransport(ep)
//	tr.OnMessage(func(msg []byte) { ... })
//	_ = tr.Connect(ctx)
//
//	req := <-srv.Received()
//	_ = srv.Deliver(response)
package memtransport
