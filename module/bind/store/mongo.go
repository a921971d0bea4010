package store

import (
	"context"

	"VBridge/data/database"
	"VBridge/data/database/mgo/mongoutil"
	"VBridge/module/bind/model"
	"VBridge/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const bindingCollection = "bindings"

// MongoPersister 一条绑定一个文档，_id 为 QQ 号，world_id 唯一索引
type MongoPersister struct {
	db   *mongo.Database
	coll *mongo.Collection
}

var _ database.Table = (*MongoPersister)(nil)

func NewMongoPersister(ctx context.Context, db *mongo.Database) (*MongoPersister, error) {
	p := &MongoPersister{db: db, coll: db.Collection(bindingCollection)}
	if err := database.EnsureUniqueIndex(ctx, p, "world_id"); err != nil {
		return nil, errs.WrapMsg(err, "ensure bindings index")
	}
	return p, nil
}

func (p *MongoPersister) GetTableName() string          { return bindingCollection }
func (p *MongoPersister) Collection() *mongo.Collection { return p.coll }

func (p *MongoPersister) Load(ctx context.Context) ([]model.Binding, error) {
	cur, err := p.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, errs.WrapMsg(err, "find bindings")
	}
	defer cur.Close(ctx)
	var out []model.Binding
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode bindings")
	}
	return out, nil
}

func (p *MongoPersister) Persist(ctx context.Context, m Mutation, _ []model.Binding) error {
	switch m.Op {
	case OpBind:
		_, err := p.coll.InsertOne(ctx, m.Binding)
		if mongoutil.IsDuplicateKey(err) {
			return errs.ErrConflict.WrapMsg("mongo unique index", "chat", m.Binding.ChatID, "world", m.Binding.WorldID)
		}
		return errs.WrapMsg(err, "insert binding")
	case OpUnbind:
		_, err := p.coll.DeleteOne(ctx, bson.M{"_id": m.Binding.ChatID})
		return errs.WrapMsg(err, "delete binding")
	}
	return errs.ErrInvalidOption.WrapMsg("unknown op", "op", m.Op)
}

func (p *MongoPersister) Close() error {
	return p.db.Client().Disconnect(context.Background())
}
